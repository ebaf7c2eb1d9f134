package criteria

import (
	"fmt"
	"sort"
)

// UnresolvedTypeError reports a stored type identifier with no registered
// implementation. It fails the specific validation or evaluation call; the
// process and other groups are unaffected.
type UnresolvedTypeError struct {
	Name string
}

func (e *UnresolvedTypeError) Error() string {
	return fmt.Sprintf("criterion type %q is not registered", e.Name)
}

// Builder accumulates criterion type registrations during startup. Register
// rejects duplicate names, reporting both conflicting sources. Build freezes
// the result; the registry is immutable afterwards so lookups are lock-free.
type Builder struct {
	types   map[string]Type
	sources map[string]string
}

func NewBuilder() *Builder {
	return &Builder{
		types:   make(map[string]Type),
		sources: make(map[string]string),
	}
}

// Register adds a criterion type. source identifies the supplier (package
// path or plugin name) for duplicate reporting.
func (b *Builder) Register(source string, t Type) error {
	name := t.Name()
	if prev, exists := b.sources[name]; exists {
		return fmt.Errorf("criterion type %q already registered by %s, duplicate from %s", name, prev, source)
	}
	b.types[name] = t
	b.sources[name] = source
	return nil
}

// Build freezes the registrations into an immutable Registry and derives the
// event index.
func (b *Builder) Build() *Registry {
	byEvent := make(map[string][]string)
	for name, t := range b.types {
		for _, ev := range t.EventTypes() {
			byEvent[ev] = append(byEvent[ev], name)
		}
	}
	for _, names := range byEvent {
		sort.Strings(names)
	}
	return &Registry{types: b.types, byEvent: byEvent}
}

// Registry is the process-wide catalog of criterion types. It is built once
// at startup and never mutated afterwards.
type Registry struct {
	types   map[string]Type
	byEvent map[string][]string
}

// Resolve returns the implementation for a stored type identifier.
func (r *Registry) Resolve(name string) (Type, error) {
	t, ok := r.types[name]
	if !ok {
		return nil, &UnresolvedTypeError{Name: name}
	}
	return t, nil
}

// Types returns all registered types, sorted by name.
func (r *Registry) Types() []Type {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Type, 0, len(names))
	for _, name := range names {
		out = append(out, r.types[name])
	}
	return out
}

// TypesForScope returns the types whose declared scopes include t.
func (r *Registry) TypesForScope(scope string) []Type {
	var out []Type
	for _, t := range r.Types() {
		for _, s := range t.Scopes() {
			if string(s) == scope {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// TypesForEvent returns the names of criterion types affected by an event
// type, sorted. Nil when the event is not recognized.
func (r *Registry) TypesForEvent(eventType string) []string {
	return r.byEvent[eventType]
}

// EventTypes returns every event type any registered criterion reacts to.
func (r *Registry) EventTypes() []string {
	out := make([]string, 0, len(r.byEvent))
	for ev := range r.byEvent {
		out = append(out, ev)
	}
	sort.Strings(out)
	return out
}
