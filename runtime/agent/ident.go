// Package agent provides strong type identifiers and the immutable definition
// types for agents and the tools they expose.
package agent

import "strings"

// Ident is the strong type for agent identifiers (e.g., "billing_agent"). Use
// this type when referencing agents in maps or APIs to avoid accidental mixing
// with free-form strings.
type Ident string

// FormatName normalizes a human-readable agent or tool name into the
// identifier form used on the model wire: lowercase with spaces replaced by
// underscores. "Billing Agent" and "billing_agent" address the same agent.
func FormatName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

// NewIdent returns the normalized identifier for name.
func NewIdent(name string) Ident {
	return Ident(FormatName(name))
}

// String implements fmt.Stringer.
func (id Ident) String() string {
	return string(id)
}
