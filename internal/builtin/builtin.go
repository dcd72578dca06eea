// Package builtin holds the plugins that ship with hookwarden and are
// registered at startup.
package builtin

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/hookwarden/internal/plugin"
)

// APIVersion is the plugin contract version the built-ins are written against.
const APIVersion = 1

// All returns fresh definitions for every built-in plugin.
func All() []*plugin.Definition {
	return []*plugin.Definition{
		Notifications(),
		PermissionRules(),
		MessageTags(),
	}
}

// Register adds every built-in to r.
func Register(r interface {
	Register(*plugin.Definition) error
}) error {
	for _, def := range All() {
		if err := r.Register(def); err != nil {
			return fmt.Errorf("register %s: %w", def.ID, err)
		}
	}
	return nil
}

// decodeConfig narrows an opaque config value into out by a strict JSON
// round trip. Unknown fields are rejected.
func decodeConfig(raw any, out any) error {
	if raw == nil {
		return fmt.Errorf("config is required")
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}
