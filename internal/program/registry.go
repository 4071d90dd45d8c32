package program

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type Registry struct {
	mu     sync.RWMutex
	byID   map[ID]*Guest
	byName map[string]*Guest
}

func NewRegistry(guests ...*Guest) *Registry {
	r := &Registry{byID: make(map[ID]*Guest), byName: make(map[string]*Guest)}
	for _, g := range guests {
		if err := r.Register(g); err != nil {
			panic(err)
		}
	}
	return r
}

// DefaultRegistry holds the guests shipped with the publisher.
func DefaultRegistry() *Registry {
	return NewRegistry(IsEven(), Fibonacci())
}

func (r *Registry) Register(g *Guest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := strings.ToUpper(g.Name)
	if _, ok := r.byID[g.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProgram, g.ID())
	}
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProgram, g.Name)
	}
	r.byID[g.ID()] = g
	r.byName[name] = g
	return nil
}

func (r *Registry) Lookup(id ID) (*Guest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.byID[id]
	return g, ok
}

// Resolve finds a guest by case-insensitive name or by hex program id.
func (r *Registry) Resolve(ref string) (*Guest, error) {
	r.mu.RLock()
	g, ok := r.byName[strings.ToUpper(strings.TrimSpace(ref))]
	r.mu.RUnlock()
	if ok {
		return g, nil
	}
	if id, err := ParseID(ref); err == nil {
		if g, ok := r.Lookup(id); ok {
			return g, nil
		}
	}
	known := make([]string, 0)
	for _, g := range r.List() {
		known = append(known, g.Name+"="+g.ID().Hex())
	}
	return nil, fmt.Errorf("%w %q, found: %v", ErrUnknownProgram, ref, known)
}

func (r *Registry) List() []*Guest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Guest, 0, len(r.byID))
	for _, g := range r.byID {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DecodeJournal checks journal against the layout of program id.
func (r *Registry) DecodeJournal(id ID, journal []byte) error {
	g, ok := r.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProgram, id)
	}
	_, err := g.DecodeJournal(journal)
	return err
}
