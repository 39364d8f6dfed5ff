// Package source tracks pluggable tool providers ("sources") and drives
// their mid-conversation activation. Tool names are namespaced by source
// slug ("github_search" belongs to source "github").
package source

import "strings"

// Source is a read-only view of one tool provider. The external authority
// owns enablement; the engine only reads slugs and states.
type Source struct {
	Slug             string `json:"slug"`
	Enabled          bool   `json:"enabled"`
	ConnectionStatus string `json:"connection_status,omitempty"`
}

// Registry answers which sources exist and which are active. Implemented by
// the host; a static snapshot implementation lives in the gateway.
type Registry interface {
	// Sources returns all known sources, enabled or not.
	Sources() []Source
}

// SplitToolName splits a namespaced tool name into source slug and bare
// tool name. Returns found=false for names without a namespace.
func SplitToolName(toolName string) (slug, tool string, found bool) {
	i := strings.Index(toolName, "_")
	if i <= 0 || i == len(toolName)-1 {
		return "", "", false
	}
	return toolName[:i], toolName[i+1:], true
}

// StaticRegistry is a fixed snapshot Registry, useful for hosts that load
// source definitions at startup and for tests.
type StaticRegistry struct {
	Items []Source
}

// Sources implements Registry.
func (r *StaticRegistry) Sources() []Source {
	return r.Items
}
