package backends

import (
	"fmt"
	"sort"
)

// Registry maintains all registered backend clients. It is populated at
// process startup and read-only afterwards, so lookups need no locking.
type Registry struct {
	clients map[string]Client
	sources map[string]string // client name -> registration source
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]Client),
		sources: make(map[string]string),
	}
}

// Register adds a client under its name. source identifies who supplied the
// implementation (package path, plugin name) so duplicate registrations can
// be reported with both origins.
func (r *Registry) Register(source string, c Client) error {
	name := c.Name()
	if prev, exists := r.sources[name]; exists {
		return fmt.Errorf("backend %q already registered by %s, duplicate from %s", name, prev, source)
	}
	r.clients[name] = c
	r.sources[name] = source
	return nil
}

// Get retrieves a client by name.
func (r *Registry) Get(name string) (Client, bool) {
	c, ok := r.clients[name]
	return c, ok
}

// Names returns the registered client names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.clients))
	for name := range r.clients {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
