package action

import (
	"fmt"
	"sort"
)

// Registry maps action kinds to their handlers
type Registry struct {
	handlers map[Kind]Handler
}

// NewRegistry builds a registry. Registering a kind twice is an error.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	r := &Registry{handlers: make(map[Kind]Handler, len(handlers))}
	for _, h := range handlers {
		if _, dup := r.handlers[h.Kind()]; dup {
			return nil, fmt.Errorf("action %s registered twice", h.Kind())
		}
		r.handlers[h.Kind()] = h
	}
	return r, nil
}

// Lookup returns the handler of kind
func (r *Registry) Lookup(kind Kind) (Handler, error) {
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, kind)
	}
	return h, nil
}

// Kinds lists the registered kinds in name order
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
