package state

import (
	"context"
	"errors"
	"fmt"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/mattjoyce/hookwarden/internal/state Store

// Store is the durable record of operator choices per plugin. Get returns a
// snapshot the caller may freely modify. Update applies mutate to a private
// copy and persists the result atomically; if mutate returns an error nothing
// is written. Concurrent updates are serialized, last writer wins.
type Store interface {
	Get(ctx context.Context) (State, error)
	Update(ctx context.Context, mutate func(*State) error) error
}

// State is the persisted {enabled, config, grants} record for every plugin.
type State struct {
	Enabled map[string]bool            `json:"enabled"`
	Config  map[string]any             `json:"config"`
	Grants  map[string]map[string]bool `json:"grants"`
}

// Empty returns a state with all maps allocated.
func Empty() State {
	return State{
		Enabled: map[string]bool{},
		Config:  map[string]any{},
		Grants:  map[string]map[string]bool{},
	}
}

// Clone returns a deep copy with all maps allocated.
func (s State) Clone() State {
	out := Empty()
	for k, v := range s.Enabled {
		out.Enabled[k] = v
	}
	for k, v := range s.Config {
		out.Config[k] = CloneValue(v)
	}
	for id, g := range s.Grants {
		cp := make(map[string]bool, len(g))
		for c, ok := range g {
			cp[c] = ok
		}
		out.Grants[id] = cp
	}
	return out
}

// PluginIDs returns every id that has at least one persisted field.
func (s State) PluginIDs() []string {
	seen := map[string]struct{}{}
	var ids []string
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for id := range s.Enabled {
		add(id)
	}
	for id := range s.Config {
		add(id)
	}
	for id := range s.Grants {
		add(id)
	}
	return ids
}

// HasRecord reports whether anything is persisted for id.
func (s State) HasRecord(id string) bool {
	if _, ok := s.Enabled[id]; ok {
		return true
	}
	if _, ok := s.Config[id]; ok {
		return true
	}
	_, ok := s.Grants[id]
	return ok
}

// CloneValue deep-copies a JSON-shaped value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = CloneValue(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = CloneValue(x)
		}
		return out
	default:
		return v
	}
}

// ErrIO marks failures of the backing medium.
var ErrIO = errors.New("state storage i/o failure")

// IOError reports a failed read or write of the backing medium.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("state %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("state %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() []error { return []error{ErrIO, e.Err} }
