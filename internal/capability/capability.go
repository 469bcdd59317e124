// Package capability aggregates mod capability declarations into the
// framework's flat identifier space: ownership rows, conflict validation,
// deterministic ID assignment and the ecosystem checksum.
package capability

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"apframework.dev/internal/logging"
	"apframework.dev/internal/manifest"
	"apframework.dev/internal/protocol"
)

// DefaultBaseID is the first assigned identifier when the options file does
// not override id_base.
const DefaultBaseID = 6_942_067

type LocationOwnership struct {
	ModID        string
	LocationName string
	Instance     int
	LocationID   int64
}

type ItemOwnership struct {
	ModID    string
	ItemName string
	ItemID   int64
	Type     string
	Action   string
	Args     []protocol.ActionArg
	MaxCount int // -1 means uncapped
}

// Conflict kinds reported by Validate.
const (
	ConflictIncompatibility = "mod_incompatibility"
	ConflictLocation        = "location_conflict"
	ConflictItem            = "item_conflict"
)

type Conflict struct {
	Kind        string
	ModID1      string
	ModID2      string
	Description string
}

type ValidationResult struct {
	OK        bool
	Conflicts []Conflict
	Warnings  []string
}

// Table holds the aggregated capability rows. It is populated on the main
// goroutine during discovery and generation and read-only afterwards; the
// lock exists for uniformity with concurrent readers.
type Table struct {
	log *logging.Logger

	mu        sync.RWMutex
	manifests map[string]manifest.Manifest
	locations []LocationOwnership
	items     []ItemOwnership
	baseID    int64

	locByKey  map[string]int
	locByID   map[int64]int
	itemByKey map[string]int
	itemByID  map[int64]int
}

func NewTable(log *logging.Logger) *Table {
	return &Table{
		log:       log,
		manifests: make(map[string]manifest.Manifest),
	}
}

// Add expands a manifest into ownership rows: one location row per instance
// 1..amount, one item row per declared item.
func (t *Table) Add(m manifest.Manifest) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.manifests[m.ModID] = m

	for _, loc := range m.Locations {
		for i := 1; i <= loc.Amount; i++ {
			t.locations = append(t.locations, LocationOwnership{
				ModID:        m.ModID,
				LocationName: loc.Name,
				Instance:     i,
			})
		}
	}
	for _, item := range m.Items {
		maxCount := item.Amount
		if maxCount < 0 {
			maxCount = -1
		}
		t.items = append(t.items, ItemOwnership{
			ModID:    m.ModID,
			ItemName: item.Name,
			Type:     item.Type,
			Action:   item.Action,
			Args:     item.Args,
			MaxCount: maxCount,
		})
	}
}

func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.manifests = make(map[string]manifest.Manifest)
	t.locations = nil
	t.items = nil
	t.baseID = 0
	t.locByKey, t.locByID, t.itemByKey, t.itemByID = nil, nil, nil, nil
}

// Validate reports cross-mod conflicts: declared incompatibilities whose
// version constraint matches the loaded version, duplicate (location,
// instance) pairs, and duplicate item names.
func (t *Table) Validate() ValidationResult {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := ValidationResult{OK: true}

	ids := make([]string, 0, len(t.manifests))
	for id := range t.manifests {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		m := t.manifests[id]
		for _, rule := range m.Incompatibilities {
			other, present := t.manifests[rule.ModID]
			if !present {
				continue
			}
			match := len(rule.Versions) == 0
			for _, v := range rule.Versions {
				if v == "*" || v == other.Version {
					match = true
					break
				}
			}
			if match {
				result.Conflicts = append(result.Conflicts, Conflict{
					Kind:        ConflictIncompatibility,
					ModID1:      id,
					ModID2:      rule.ModID,
					Description: fmt.Sprintf("%s is incompatible with %s", id, rule.ModID),
				})
				result.OK = false
			}
		}
	}

	locOwners := make(map[string]string)
	for _, loc := range t.locations {
		key := loc.LocationName + "#" + strconv.Itoa(loc.Instance)
		if owner, seen := locOwners[key]; seen && owner != loc.ModID {
			result.Conflicts = append(result.Conflicts, Conflict{
				Kind:        ConflictLocation,
				ModID1:      owner,
				ModID2:      loc.ModID,
				Description: "duplicate location: " + loc.LocationName,
			})
			result.OK = false
		} else {
			locOwners[key] = loc.ModID
		}
	}

	itemOwners := make(map[string]string)
	for _, item := range t.items {
		if owner, seen := itemOwners[item.ItemName]; seen && owner != item.ModID {
			result.Conflicts = append(result.Conflicts, Conflict{
				Kind:        ConflictItem,
				ModID1:      owner,
				ModID2:      item.ModID,
				Description: "duplicate item: " + item.ItemName,
			})
			result.OK = false
		} else {
			itemOwners[item.ItemName] = item.ModID
		}
	}

	return result
}

// AssignIDs numbers every row starting at base: locations first in (mod_id
// asc, declaration order, instance asc) order, then items in (mod_id asc,
// declaration order). The sorted sequence becomes the canonical row order.
func (t *Table) AssignIDs(base int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.baseID = base

	sort.SliceStable(t.locations, func(i, j int) bool {
		return t.locations[i].ModID < t.locations[j].ModID
	})
	sort.SliceStable(t.items, func(i, j int) bool {
		return t.items[i].ModID < t.items[j].ModID
	})

	id := base
	for i := range t.locations {
		t.locations[i].LocationID = id
		id++
	}
	for i := range t.items {
		t.items[i].ItemID = id
		id++
	}

	t.locByKey = make(map[string]int, len(t.locations))
	t.locByID = make(map[int64]int, len(t.locations))
	for i, loc := range t.locations {
		t.locByKey[locKey(loc.ModID, loc.LocationName, loc.Instance)] = i
		t.locByID[loc.LocationID] = i
	}
	t.itemByKey = make(map[string]int, len(t.items))
	t.itemByID = make(map[int64]int, len(t.items))
	for i, item := range t.items {
		t.itemByKey[item.ModID+"\x00"+item.ItemName] = i
		t.itemByID[item.ItemID] = i
	}

	t.log.Infof("assigned IDs: %d locations, %d items, base=%d",
		len(t.locations), len(t.items), base)
}

func locKey(modID, name string, instance int) string {
	return modID + "\x00" + name + "\x00" + strconv.Itoa(instance)
}

// LocationID resolves (mod, name, instance) to its assigned ID; 0 if unknown.
func (t *Table) LocationID(modID, name string, instance int) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i, ok := t.locByKey[locKey(modID, name, instance)]; ok {
		return t.locations[i].LocationID
	}
	return 0
}

// ItemID resolves (mod, name) to its assigned ID; 0 if unknown.
func (t *Table) ItemID(modID, name string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i, ok := t.itemByKey[modID+"\x00"+name]; ok {
		return t.items[i].ItemID
	}
	return 0
}

func (t *Table) LocationByID(id int64) (LocationOwnership, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i, ok := t.locByID[id]; ok {
		return t.locations[i], true
	}
	return LocationOwnership{}, false
}

func (t *Table) ItemByID(id int64) (ItemOwnership, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i, ok := t.itemByID[id]; ok {
		return t.items[i], true
	}
	return ItemOwnership{}, false
}

// Locations returns a copy of every location row in canonical order.
func (t *Table) Locations() []LocationOwnership {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]LocationOwnership, len(t.locations))
	copy(out, t.locations)
	return out
}

// Items returns a copy of every item row in canonical order.
func (t *Table) Items() []ItemOwnership {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ItemOwnership, len(t.items))
	copy(out, t.items)
	return out
}

// LocationsForMod filters location rows by owner.
func (t *Table) LocationsForMod(modID string) []LocationOwnership {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []LocationOwnership
	for _, loc := range t.locations {
		if loc.ModID == modID {
			out = append(out, loc)
		}
	}
	return out
}

// ItemsForMod filters item rows by owner.
func (t *Table) ItemsForMod(modID string) []ItemOwnership {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []ItemOwnership
	for _, item := range t.items {
		if item.ModID == modID {
			out = append(out, item)
		}
	}
	return out
}

func (t *Table) LocationCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.locations)
}

func (t *Table) ItemCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

func (t *Table) BaseID() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.baseID
}

// Checksum fingerprints the capability ecosystem: game, slot, then for each
// mod_id in lexicographic order its version and declared locations and items
// in declaration order. SHA-1 is a wire-contract choice, not a security one.
func (t *Table) Checksum(game, slot string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.checksumLocked(game, slot)
}

func (t *Table) checksumLocked(game, slot string) string {
	ids := make([]string, 0, len(t.manifests))
	for id := range t.manifests {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := sha1.New()
	h.Write([]byte(game))
	h.Write([]byte(slot))
	for _, id := range ids {
		m := t.manifests[id]
		h.Write([]byte(id))
		h.Write([]byte(m.Version))
		for _, loc := range m.Locations {
			h.Write([]byte(loc.Name))
			h.Write([]byte(strconv.Itoa(loc.Amount)))
		}
		for _, item := range m.Items {
			h.Write([]byte(item.Name))
			h.Write([]byte(item.Type))
			h.Write([]byte(strconv.Itoa(item.Amount)))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
