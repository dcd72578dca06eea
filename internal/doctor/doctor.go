// Package doctor reviews a hookwarden configuration against the registered
// plugins and reports errors and policy warnings.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/mattjoyce/hookwarden/internal/auth"
	"github.com/mattjoyce/hookwarden/internal/config"
	"github.com/mattjoyce/hookwarden/internal/plugin"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against registered plugins.
type Doctor struct {
	cfg      *config.Config
	registry *plugin.Registry
}

func New(cfg *config.Config, registry *plugin.Registry) *Doctor {
	return &Doctor{cfg: cfg, registry: registry}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validatePluginSeeds(r)
	d.validateAPIConfig(r)
	d.warnStateBackend(r)
	d.warnRiskyPlugins(r)
	d.warnBroadTokens(r)
	d.warnDeprecatedSyntax(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// sortedPluginIDs keeps report order stable.
func (d *Doctor) sortedPluginIDs() []string {
	ids := make([]string, 0, len(d.cfg.Plugins))
	for id := range d.cfg.Plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// validatePluginSeeds checks that every seed targets a registered plugin,
// carries a config the plugin accepts and only grants what it requests.
func (d *Doctor) validatePluginSeeds(r *Result) {
	for _, id := range d.sortedPluginIDs() {
		pc := d.cfg.Plugins[id]
		field := "plugins." + id

		def, ok := d.registry.Get(id)
		if !ok {
			d.addWarning(r, "plugin_refs", field,
				fmt.Sprintf("plugin %q is not registered; its seed is ignored", id))
			continue
		}

		if pc.Config != nil && def.ValidateConfig != nil {
			if _, err := def.ValidateConfig(pc.Config); err != nil {
				d.addError(r, "plugin_config", field+".config",
					fmt.Sprintf("rejected by plugin %q: %v", id, err))
			}
		}

		for capName := range pc.Grants {
			if !def.Requests(plugin.Capability(capName)) {
				d.addWarning(r, "grants", field+".grants."+capName,
					fmt.Sprintf("plugin %q does not request %q; the grant is ignored", id, capName))
			}
		}
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		d.addWarning(r, "api", "api.listen",
			fmt.Sprintf("API listens on %q, reachable beyond this host", d.cfg.API.Listen))
	}
}

func (d *Doctor) warnStateBackend(r *Result) {
	switch {
	case d.cfg.State.Backend == config.BackendMemory:
		d.addWarning(r, "state", "state.backend",
			"memory backend: plugin settings are lost on restart")
	case !d.cfg.State.LockEnabled():
		d.addWarning(r, "state", "state.lock",
			"lock disabled: concurrent writers can overwrite each other's settings")
	}
}

// warnRiskyPlugins flags seeds that switch on high-risk plugins with their
// capabilities still granted.
func (d *Doctor) warnRiskyPlugins(r *Result) {
	for _, id := range d.sortedPluginIDs() {
		pc := d.cfg.Plugins[id]
		def, ok := d.registry.Get(id)
		if !ok || def.RiskLevel != plugin.RiskHigh {
			continue
		}
		if pc.Enabled == nil || !*pc.Enabled || def.DefaultEnabled {
			continue
		}
		var granted []string
		for _, c := range def.Capabilities {
			if g, set := pc.Grants[string(c)]; !set || g {
				granted = append(granted, string(c))
			}
		}
		if len(granted) > 0 {
			d.addWarning(r, "risk", "plugins."+id+".enabled",
				fmt.Sprintf("high-risk plugin %q enabled with %s granted", id, strings.Join(granted, ", ")))
		}
	}
}

func (d *Doctor) warnBroadTokens(r *Result) {
	for i, tok := range d.cfg.API.Auth.Tokens {
		for _, s := range tok.Scopes {
			if s == auth.ScopeAll {
				d.addWarning(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes", i),
					"token has the admin scope \"*\"; prefer plugins:ro/rw and events:ro/rw")
				break
			}
		}
	}
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey == "" {
		return
	}
	if len(d.cfg.API.Auth.Tokens) > 0 {
		d.addWarning(r, "deprecated", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
		return
	}
	d.addWarning(r, "deprecated", "api.auth.api_key",
		"legacy api_key grants full access; migrate to tokens array with scopes")
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, label string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", label, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
