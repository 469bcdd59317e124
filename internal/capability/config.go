package capability

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ConfigVersion stamps emitted capability configs.
const ConfigVersion = "1.0.0"

// Config is the generated capabilities document consumed by the world
// generator. Field order and 2-space indentation are part of the contract.
type Config struct {
	Version     string           `json:"version"`
	Game        string           `json:"game"`
	SlotName    string           `json:"slot_name"`
	Checksum    string           `json:"checksum"`
	IDBase      int64            `json:"id_base"`
	GeneratedAt string           `json:"generated_at"`
	Mods        []ConfigMod      `json:"mods"`
	Locations   []ConfigLocation `json:"locations"`
	Items       []ConfigItem     `json:"items"`
}

type ConfigMod struct {
	ModID   string `json:"mod_id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

type ConfigLocation struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ModID    string `json:"mod_id"`
	Instance int    `json:"instance"`
}

type ConfigItem struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Type  string `json:"type"`
	ModID string `json:"mod_id"`
	Count int    `json:"count"`
}

// GenerateConfig snapshots the table into a capabilities document. Call
// after AssignIDs; rows are emitted in canonical (sorted) order.
func (t *Table) GenerateConfig(slot, game string, now time.Time) Config {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cfg := Config{
		Version:     ConfigVersion,
		Game:        game,
		SlotName:    slot,
		Checksum:    t.checksumLocked(game, slot),
		IDBase:      t.baseID,
		GeneratedAt: now.UTC().Format("2006-01-02T15:04:05Z"),
	}

	ids := make([]string, 0, len(t.manifests))
	for id := range t.manifests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		m := t.manifests[id]
		cfg.Mods = append(cfg.Mods, ConfigMod{ModID: id, Name: m.Name, Version: m.Version})
	}

	for _, loc := range t.locations {
		cfg.Locations = append(cfg.Locations, ConfigLocation{
			ID:       loc.LocationID,
			Name:     loc.LocationName,
			ModID:    loc.ModID,
			Instance: loc.Instance,
		})
	}
	for _, item := range t.items {
		cfg.Items = append(cfg.Items, ConfigItem{
			ID:    item.ItemID,
			Name:  item.ItemName,
			Type:  item.Type,
			ModID: item.ModID,
			Count: item.MaxCount,
		})
	}

	return cfg
}

// WriteConfig emits output/AP_Capabilities_<slot>.json under baseDir and
// returns the written path.
func (t *Table) WriteConfig(baseDir, slot, game string, now time.Time) (string, error) {
	cfg := t.GenerateConfig(slot, game, now)

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	data = append(data, '\n')

	dir := filepath.Join(baseDir, "output")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("AP_Capabilities_%s.json", slot))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	t.log.Infof("wrote capabilities config: %s", path)
	return path, nil
}
