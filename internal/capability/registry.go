package capability

import (
	"sort"
	"strings"
	"sync"

	"github.com/rendis/taskflow/pkg/schema"
)

// Registry is the thread-safe capability lookup used by the step bridge.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		caps: make(map[string]Capability),
	}
}

// Register adds a capability. Returns error on duplicate name.
func (r *Registry) Register(c Capability) error {
	if c == nil {
		return schema.NewError(schema.ErrCodeValidation, "capability is nil")
	}
	name := c.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "capability name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.caps[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "capability %q already registered", name)
	}

	r.caps[name] = c
	return nil
}

// Get retrieves a capability by name.
func (r *Registry) Get(name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.caps[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeCapabilityNotFound, "capability %q not registered", name)
	}
	return c, nil
}

// List returns info for all registered capabilities, sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.caps))
	for _, c := range r.caps {
		infos = append(infos, Info{Name: c.Name(), Description: c.Description()})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}

// RegisterNamespace bulk-registers capabilities from one provider. The
// capabilities must already carry the "prefix." name; registration is all
// or nothing.
func (r *Registry) RegisterNamespace(prefix string, caps []Capability) (int, error) {
	if prefix == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "namespace prefix is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range caps {
		if !strings.HasPrefix(c.Name(), prefix+".") {
			return 0, schema.NewErrorf(schema.ErrCodeValidation, "capability %q is outside namespace %q", c.Name(), prefix)
		}
		if _, exists := r.caps[c.Name()]; exists {
			return 0, schema.NewErrorf(schema.ErrCodeConflict, "capability %q already registered", c.Name())
		}
	}
	for _, c := range caps {
		r.caps[c.Name()] = c
	}
	return len(caps), nil
}

// UnregisterNamespace removes every capability under prefix.
func (r *Registry) UnregisterNamespace(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for name := range r.caps {
		if strings.HasPrefix(name, prefix+".") {
			delete(r.caps, name)
			n++
		}
	}
	return n
}

// Has reports whether a capability is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.caps[name]
	return ok
}

// Count returns the number of registered capabilities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.caps)
}

var _ Lookup = (*Registry)(nil)
