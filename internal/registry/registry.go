// Package registry tracks discovered mod manifests and their registration
// status across a run.
package registry

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"apframework.dev/internal/logging"
	"apframework.dev/internal/manifest"
)

// Priority clients are named archipelago.<game>.<tail>; they alone may issue
// control commands and may register during the priority window.
var priorityPattern = regexp.MustCompile(`^archipelago\.[^.]+\..+`)

type ModInfo struct {
	ModID      string
	Name       string
	Version    string
	Priority   bool
	Registered bool
}

type Registry struct {
	log *logging.Logger

	mu         sync.Mutex
	manifests  map[string]manifest.Manifest
	order      []string // discovery order, for stable listings
	registered map[string]struct{}
}

func New(log *logging.Logger) *Registry {
	return &Registry{
		log:        log,
		manifests:  make(map[string]manifest.Manifest),
		registered: make(map[string]struct{}),
	}
}

// Discover walks the child directories of root and parses each
// <dir>/manifest.json. Duplicated mod_ids keep the first manifest seen.
func (r *Registry) Discover(root string) int {
	entries, err := os.ReadDir(root)
	if err != nil {
		r.log.Warnf("mods folder not found: %s", root)
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(root, e.Name(), "manifest.json")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		m, err := manifest.ParseFile(path)
		if err != nil {
			r.log.Warnf("failed to parse manifest %s: %v", path, err)
			continue
		}
		if _, dup := r.manifests[m.ModID]; dup {
			r.log.Warnf("duplicate mod_id %q in %s; keeping first", m.ModID, path)
			continue
		}
		r.manifests[m.ModID] = m
		r.order = append(r.order, m.ModID)
		count++
		suffix := ""
		if !m.Enabled {
			suffix = " (disabled)"
		}
		r.log.Debugf("discovered mod %s v%s%s", m.ModID, m.Version, suffix)
	}
	r.log.Infof("discovered %d mods", count)
	return count
}

// Add registers a manifest directly, bypassing the filesystem. Returns false
// on a duplicate mod_id.
func (r *Registry) Add(m manifest.Manifest) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.manifests[m.ModID]; dup {
		return false
	}
	r.manifests[m.ModID] = m
	r.order = append(r.order, m.ModID)
	return true
}

func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifests = make(map[string]manifest.Manifest)
	r.order = nil
	r.registered = make(map[string]struct{})
}

// MarkRegistered flips registration for a known mod. Unknown mods return
// false and leave the set untouched.
func (r *Registry) MarkRegistered(modID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.manifests[modID]; !ok {
		return false
	}
	r.registered[modID] = struct{}{}
	return true
}

func (r *Registry) IsRegistered(modID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.registered[modID]
	return ok
}

// AllRegistered reports whether every enabled manifest has registered.
func (r *Registry) AllRegistered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, m := range r.manifests {
		if !m.Enabled {
			continue
		}
		if _, ok := r.registered[id]; !ok {
			return false
		}
	}
	return true
}

// Pending lists enabled mods that have not yet registered, sorted.
func (r *Registry) Pending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pending []string
	for id, m := range r.manifests {
		if !m.Enabled {
			continue
		}
		if _, ok := r.registered[id]; !ok {
			pending = append(pending, id)
		}
	}
	sort.Strings(pending)
	return pending
}

func (r *Registry) ResetRegistrations() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = make(map[string]struct{})
}

// IsPriority classifies a mod_id; it needs no lock because classification is
// purely lexical.
func (r *Registry) IsPriority(modID string) bool {
	return priorityPattern.MatchString(modID)
}

// PriorityClients lists enabled priority mod_ids, sorted.
func (r *Registry) PriorityClients() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, m := range r.manifests {
		if m.Enabled && priorityPattern.MatchString(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// AllPriorityRegistered reports whether every enabled priority mod has
// registered.
func (r *Registry) AllPriorityRegistered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, m := range r.manifests {
		if !m.Enabled || !priorityPattern.MatchString(id) {
			continue
		}
		if _, ok := r.registered[id]; !ok {
			return false
		}
	}
	return true
}

// EnabledManifests returns enabled manifests in discovery order.
func (r *Registry) EnabledManifests() []manifest.Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []manifest.Manifest
	for _, id := range r.order {
		if m := r.manifests[id]; m.Enabled {
			out = append(out, m)
		}
	}
	return out
}

func (r *Registry) Manifest(modID string) (manifest.Manifest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.manifests[modID]
	return m, ok
}

// ModInfos snapshots the registry for get_mods responses, sorted by mod_id.
func (r *Registry) ModInfos() []ModInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]ModInfo, 0, len(r.manifests))
	for id, m := range r.manifests {
		_, reg := r.registered[id]
		infos = append(infos, ModInfo{
			ModID:      id,
			Name:       m.Name,
			Version:    m.Version,
			Priority:   priorityPattern.MatchString(id),
			Registered: reg,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ModID < infos[j].ModID })
	return infos
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.manifests)
}
