package step

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownKind is returned when no kind is registered under a name.
var ErrUnknownKind = errors.New("unknown step kind")

// Factory creates a Step from its definition. Errors are reported to the user
// as configuration errors of the step.
type Factory func(spec Spec) (Step, error)

// Kind is a named step factory.
type Kind struct {
	Name        string
	Description string
	Factory     Factory
}

// KindInfo is the public description of a registered kind.
type KindInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Registry holds the step kinds available to the plan builder.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewRegistry creates an empty kind registry.
func NewRegistry() *Registry {
	return &Registry{
		kinds: make(map[string]Kind),
	}
}

// NewDefaultRegistry creates a registry with the command, http and lua kinds.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(CommandKind())
	r.Register(HTTPKind())
	r.Register(LuaKind())
	return r
}

// Register adds a kind, replacing any kind of the same name.
func (r *Registry) Register(k Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[k.Name] = k
}

// Has reports whether a kind is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[name]
	return ok
}

// New creates a Step of the named kind.
func (r *Registry) New(kind string, spec Spec) (Step, error) {
	r.mu.RLock()
	k, ok := r.kinds[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if spec.Config == nil {
		spec.Config = Config{}
	}
	return k.Factory(spec)
}

// List returns all registered kinds sorted by name.
func (r *Registry) List() []KindInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]KindInfo, 0, len(r.kinds))
	for _, k := range r.kinds {
		infos = append(infos, KindInfo{Name: k.Name, Description: k.Description})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
