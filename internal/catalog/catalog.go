// Package catalog is the read-only set of capabilities the dispatch
// assistant can route to.
package catalog

import (
	"sort"
	"strings"

	"github.com/agusx1211/dispatch/internal/dispatch"
	"github.com/agusx1211/dispatch/pkg/protocol"
)

// Capability is a named, prompt-driven task runner.
type Capability struct {
	ID          string `mapstructure:"id" toml:"id" json:"id"`
	Name        string `mapstructure:"name" toml:"name" json:"name"`
	Description string `mapstructure:"description" toml:"description" json:"description"`
	Prompt      string `mapstructure:"prompt" toml:"prompt" json:"prompt,omitempty"`
}

// Catalog is an immutable set of capabilities.
type Catalog struct {
	items map[string]Capability
}

// Generic is the built-in general-purpose capability.
var Generic = Capability{
	ID:          dispatch.GenericCapability,
	Name:        "General assistant",
	Description: "Runs any task directly without a dedicated capability",
	Prompt:      "You are a capable general-purpose assistant. Complete the user's task and report the result concisely.",
}

// New builds a catalog. Entries with an empty id are skipped; later entries
// replace earlier ones with the same id.
func New(caps []Capability) *Catalog {
	c := &Catalog{items: make(map[string]Capability, len(caps)+1)}
	c.items[Generic.ID] = Generic
	for _, cp := range caps {
		cp.ID = strings.TrimSpace(cp.ID)
		if cp.ID == "" || cp.ID == dispatch.DispatchCapability {
			continue
		}
		if cp.Name == "" {
			cp.Name = cp.ID
		}
		c.items[cp.ID] = cp
	}
	return c
}

// Has reports whether id is a known capability.
func (c *Catalog) Has(id string) bool {
	_, ok := c.items[id]
	return ok
}

// Get returns the capability for id.
func (c *Catalog) Get(id string) (Capability, bool) {
	cp, ok := c.items[id]
	return cp, ok
}

// List returns user-defined capabilities sorted by id. The built-in generic
// capability is not included.
func (c *Catalog) List() []Capability {
	out := make([]Capability, 0, len(c.items))
	for id, cp := range c.items {
		if id == Generic.ID {
			continue
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Instructions renders the dispatch system prompt for this catalog.
func (c *Catalog) Instructions() string {
	caps := c.List()
	pcs := make([]protocol.Capability, 0, len(caps))
	for _, cp := range caps {
		pcs = append(pcs, protocol.Capability{ID: cp.ID, Name: cp.Name, Description: cp.Description})
	}
	return protocol.DispatchInstructions(pcs)
}
