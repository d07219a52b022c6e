package registry

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownModel is returned for names outside the model table.
	ErrUnknownModel = errors.New("unknown model")
	// ErrMissingArtifact is returned when a file the registry points at is not on disk.
	ErrMissingArtifact = errors.New("missing artifact")
)

// Registry is a read-only, exact-match model table.
type Registry struct {
	entries map[string]Entry
	order   []string
}

// New builds a registry from entries. Later duplicates replace earlier ones
// but keep the first position.
func New(entries ...Entry) *Registry {
	r := &Registry{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		if _, seen := r.entries[e.Name]; !seen {
			r.order = append(r.order, e.Name)
		}
		r.entries[e.Name] = e
	}
	return r
}

// Default returns the built-in model table.
func Default() *Registry {
	return New(builtin...)
}

// Lookup returns the entry for name.
func (r *Registry) Lookup(name string) (Entry, error) {
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q is not supported or recognized; supported models: %s",
			ErrUnknownModel, name, strings.Join(r.order, ", "))
	}
	return e, nil
}

// Contains reports whether name is in the table.
func (r *Registry) Contains(name string) bool {
	_, ok := r.entries[name]
	return ok
}

// WeightsURL returns the pretrained weights URL, if one is pinned.
func (r *Registry) WeightsURL(name string) (string, bool) {
	e, ok := r.entries[name]
	if !ok || e.WeightsURL == "" {
		return "", false
	}
	return e.WeightsURL, true
}

// Names lists the supported names in table order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Entries lists the table in order.
func (r *Registry) Entries() []Entry {
	out := make([]Entry, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.entries[n])
	}
	return out
}
