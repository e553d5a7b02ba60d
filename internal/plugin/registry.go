package plugin

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Registry holds the loaded plugins and their enabled state.
type Registry struct {
	mu       sync.RWMutex
	entries  []*entry
	byName   map[string]*entry
	sequence int
	logger   *slog.Logger
}

type entry struct {
	plugin  Plugin
	info    Info
	enabled bool
	seq     int // registration order, for stable ties
}

// Status is a snapshot of one registered plugin.
type Status struct {
	Info
	Enabled bool
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{byName: make(map[string]*entry), logger: logger}
}

// Register adds p, enabled. Names must be unique.
func (r *Registry) Register(p Plugin) error {
	info := p.Info()
	if info.Name == "" {
		return fmt.Errorf("plugin name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[info.Name]; exists {
		return fmt.Errorf("plugin %s already registered", info.Name)
	}
	e := &entry{plugin: p, info: info, enabled: true, seq: r.sequence}
	r.sequence++
	r.entries = append(r.entries, e)
	r.byName[info.Name] = e
	sort.SliceStable(r.entries, func(i, j int) bool {
		if r.entries[i].info.Priority != r.entries[j].info.Priority {
			return r.entries[i].info.Priority > r.entries[j].info.Priority
		}
		return r.entries[i].seq < r.entries[j].seq
	})

	r.logger.Info("plugin registered", "name", info.Name, "priority", info.Priority, "version", info.Version)
	return nil
}

// SetEnabled toggles a plugin by name.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("plugin %s not found", name)
	}
	e.enabled = enabled
	r.logger.Info("plugin state changed", "name", name, "enabled", enabled)
	return nil
}

// Get returns the named plugin, enabled or not.
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return e.plugin, true
}

// Chain returns the enabled plugins in dispatch order.
func (r *Registry) Chain() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.entries))
	for _, e := range r.entries {
		if e.enabled {
			out = append(out, e.plugin)
		}
	}
	return out
}

// List returns every registered plugin in dispatch order.
func (r *Registry) List() []Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Status, len(r.entries))
	for i, e := range r.entries {
		out[i] = Status{Info: e.info, Enabled: e.enabled}
	}
	return out
}
