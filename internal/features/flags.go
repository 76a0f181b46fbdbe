package features

import (
	"encoding/json"
	"slices"
	"sync"
	"time"
)

// Flag represents a feature flag with metadata
type Flag struct {
	Name        string    `json:"name"`
	Enabled     bool      `json:"enabled"`
	Description string    `json:"description"`
	UpdatedAt   time.Time `json:"updated_at"`
	Tags        []string  `json:"tags,omitempty"`
}

func (f *Flag) clone() *Flag {
	c := *f
	c.Tags = slices.Clone(f.Tags)
	return &c
}

// FlagManager manages feature flags with thread-safe operations
type FlagManager struct {
	flags map[string]*Flag
	mu    sync.RWMutex
}

// Optional surfaces of the relay. Posting itself is never behind a flag.
const (
	FlagStatusStream    = "status_stream"
	FlagMetricsEndpoint = "metrics_endpoint"
	FlagPendingJournal  = "pending_journal"
	FlagThreadEnqueue   = "thread_enqueue"
)

// FlagDefinition contains metadata about a flag
type FlagDefinition struct {
	Name         string
	Description  string
	DefaultValue bool
	Tags         []string
}

// DefaultFlags defines all available feature flags with their defaults
var DefaultFlags = []FlagDefinition{
	{FlagStatusStream, "Serve queue status over a websocket stream", true, []string{"api", "observability"}},
	{FlagMetricsEndpoint, "Expose Prometheus metrics on /metrics", true, []string{"observability"}},
	{FlagPendingJournal, "Journal unsent items to the database across restarts", true, []string{"core", "reliability"}},
	{FlagThreadEnqueue, "Accept threads through the HTTP API", true, []string{"api"}},
}

// NewFlagManager creates a manager holding the default flags
func NewFlagManager() *FlagManager {
	fm := &FlagManager{flags: make(map[string]*Flag, len(DefaultFlags))}

	now := time.Now()
	for _, def := range DefaultFlags {
		fm.flags[def.Name] = &Flag{
			Name:        def.Name,
			Enabled:     def.DefaultValue,
			Description: def.Description,
			UpdatedAt:   now,
			Tags:        def.Tags,
		}
	}
	return fm
}

// IsEnabled reports whether a flag is on. Unknown flags are off.
func (fm *FlagManager) IsEnabled(flagName string) bool {
	if fm == nil {
		return defaultValue(flagName)
	}

	fm.mu.RLock()
	defer fm.mu.RUnlock()

	flag, exists := fm.flags[flagName]
	if !exists {
		return false
	}
	return flag.Enabled
}

func (fm *FlagManager) Enable(flagName string) error {
	return fm.set(flagName, true)
}

func (fm *FlagManager) Disable(flagName string) error {
	return fm.set(flagName, false)
}

func (fm *FlagManager) set(flagName string, enabled bool) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	flag, exists := fm.flags[flagName]
	if !exists {
		return ErrFlagNotFound{Name: flagName}
	}

	flag.Enabled = enabled
	flag.UpdatedAt = time.Now()
	return nil
}

// GetFlag returns a copy of the flag information
func (fm *FlagManager) GetFlag(flagName string) (*Flag, error) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	flag, exists := fm.flags[flagName]
	if !exists {
		return nil, ErrFlagNotFound{Name: flagName}
	}
	return flag.clone(), nil
}

// ListFlags returns copies of all flags sorted by name, optionally filtered
// to those carrying any of the given tags
func (fm *FlagManager) ListFlags(filterTags ...string) []*Flag {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	var result []*Flag
	for _, flag := range fm.flags {
		if len(filterTags) > 0 && !slices.ContainsFunc(flag.Tags, func(tag string) bool {
			return slices.Contains(filterTags, tag)
		}) {
			continue
		}
		result = append(result, flag.clone())
	}

	slices.SortFunc(result, func(a, b *Flag) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return result
}

// ExportJSON exports all flags as JSON
func (fm *FlagManager) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(fm.ListFlags(), "", "  ")
}

func defaultValue(flagName string) bool {
	if i := defaultIndex(flagName); i >= 0 {
		return DefaultFlags[i].DefaultValue
	}
	return false
}

type ErrFlagNotFound struct {
	Name string
}

func (e ErrFlagNotFound) Error() string {
	return "feature flag not found: " + e.Name
}
