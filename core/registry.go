package core

import (
	"fmt"
	"sort"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Registry tracks the live cells of a scheduler by ID.
type Registry struct {
	cells cmap.ConcurrentMap[string, *Cell]
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{cells: cmap.New[*Cell]()}
}

// Register adds a cell to the registry.
func (r *Registry) Register(c *Cell) error {
	if c == nil {
		return fmt.Errorf("cannot register nil cell")
	}
	if !r.cells.SetIfAbsent(c.ID(), c) {
		return fmt.Errorf("cell with ID %s already registered", c.ID())
	}
	return nil
}

// Unregister removes a cell from the registry.
func (r *Registry) Unregister(id string) bool {
	_, ok := r.cells.Pop(id)
	return ok
}

// Lookup finds a cell by its ID.
func (r *Registry) Lookup(id string) (*Cell, bool) {
	return r.cells.Get(id)
}

// FindByName returns the first live cell with the given name.
func (r *Registry) FindByName(name string) (*Cell, bool) {
	for item := range r.cells.IterBuffered() {
		if item.Val.name == name {
			return item.Val, true
		}
	}
	return nil, false
}

// List returns every registered cell ordered by creation time.
func (r *Registry) List() []*Cell {
	cells := make([]*Cell, 0, r.cells.Count())
	r.cells.IterCb(func(_ string, c *Cell) {
		cells = append(cells, c)
	})
	sort.Slice(cells, func(i, j int) bool {
		return cells[i].createdAt.Before(cells[j].createdAt)
	})
	return cells
}

// Count returns the number of registered cells.
func (r *Registry) Count() int {
	return r.cells.Count()
}
