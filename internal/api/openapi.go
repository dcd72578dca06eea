package api

import (
	"fmt"
	"net/http"

	"github.com/mattjoyce/hookwarden/internal/dispatch"
)

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	infos, err := s.manager.List(r.Context())
	if err != nil {
		s.writeManagerError(w, "", err)
		return
	}
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(infos))
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the admin API. The
// plugin id parameter is restricted to the registered plugins.
func buildOpenAPIDoc(infos []dispatch.RuntimeInfo) map[string]any {
	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, info.ID)
	}
	idParam := map[string]any{
		"name":     "id",
		"in":       "path",
		"required": true,
		"schema":   map[string]any{"type": "string", "enum": ids},
	}

	pluginOp := func(opID, summary, scope string, withBody bool) map[string]any {
		op := map[string]any{
			"operationId": opID,
			"summary":     summary,
			"tags":        []string{"plugins"},
			"parameters":  []any{idParam},
			"responses": map[string]any{
				"200": map[string]any{"description": "OK"},
				"400": map[string]any{"description": "Invalid request or rejected config"},
				"403": map[string]any{"description": fmt.Sprintf("Requires scope %s", scope)},
				"404": map[string]any{"description": "Plugin not found"},
			},
			"security": []any{map[string]any{"BearerAuth": []string{}}},
		}
		if withBody {
			op["requestBody"] = map[string]any{
				"required": true,
				"content":  map[string]any{"application/json": map[string]any{"schema": map[string]any{"type": "object"}}},
			}
		}
		return op
	}

	paths := map[string]any{
		"/healthz": map[string]any{"get": map[string]any{"operationId": "healthz", "summary": "Service health"}},
		"/metrics": map[string]any{"get": map[string]any{"operationId": "metrics", "summary": "Prometheus metrics"}},
		"/plugins": map[string]any{"get": map[string]any{
			"operationId": "listPlugins",
			"summary":     "List plugins with runtime state",
			"tags":        []string{"plugins"},
			"security":    []any{map[string]any{"BearerAuth": []string{}}},
		}},
		"/plugins/{id}":         map[string]any{"get": pluginOp("getPlugin", "Get one plugin", "plugins:ro", false)},
		"/plugins/{id}/stats":   map[string]any{"get": pluginOp("getPluginStats", "Get plugin telemetry", "plugins:ro", false)},
		"/plugins/{id}/enabled": map[string]any{"put": pluginOp("setPluginEnabled", "Enable or disable a plugin", "plugins:rw", true)},
		"/plugins/{id}/config":  map[string]any{"put": pluginOp("updatePluginConfig", "Replace plugin config", "plugins:rw", true)},
		"/plugins/{id}/grants":  map[string]any{"put": pluginOp("updatePluginGrants", "Merge capability grants", "plugins:rw", true)},
		"/plugins/{id}/dry-run": map[string]any{"post": pluginOp("dryRunPlugin", "Run one plugin against an event", "plugins:rw", true)},
		"/events": map[string]any{
			"post": map[string]any{
				"operationId": "emitEvent",
				"summary":     "Dispatch an event to subscribed plugins",
				"tags":        []string{"events"},
				"security":    []any{map[string]any{"BearerAuth": []string{}}},
			},
			"get": map[string]any{
				"operationId": "streamEvents",
				"summary":     "Server-sent event stream of dispatch activity",
				"tags":        []string{"events"},
				"security":    []any{map[string]any{"BearerAuth": []string{}}},
			},
		},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Hookwarden",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}
