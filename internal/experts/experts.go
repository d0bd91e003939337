// Package experts manages expert profiles and runtime model entries.
//
// An expert profile is a named override bundle: target model, system
// prompt, temperature, and allow-lists for tools and peer experts. The
// distinguished name "general" denotes the default profile; when absent,
// static configuration defaults apply.
package experts

import (
	"time"
)

// DefaultProfileName is the distinguished default/general profile.
const DefaultProfileName = "general"

// Profile is a named override bundle selectable per conversation.
//
// Both allow-lists are opt-in: an empty Tools list means the expert calls
// no tools, and an empty Experts list means it delegates to no peers.
type Profile struct {
	Name         string    `json:"name"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system_prompt"`
	Temperature  float64   `json:"temperature"`
	Tools        []string  `json:"tools,omitempty"`
	Experts      []string  `json:"experts,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ToolFilter returns the allow-list as a set for registry filtering.
// The result is never nil: an expert with no allowed tools gets an empty
// set, which the registry treats as "no tools".
func (p *Profile) ToolFilter() map[string]bool {
	filter := make(map[string]bool, len(p.Tools))
	for _, name := range p.Tools {
		filter[name] = true
	}
	return filter
}

// AllowsExpert reports whether a peer expert name is in the delegation
// allow-list.
func (p *Profile) AllowsExpert(name string) bool {
	for _, n := range p.Experts {
		if n == name {
			return true
		}
	}
	return false
}

// Lookup is the profile source consumed by the agent loop.
type Lookup interface {
	GetProfile(name string) (*Profile, bool)
	ListProfiles() []*Profile
}
