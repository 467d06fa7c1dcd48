package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownUnit is returned when a sequence names a unit nobody registered.
var ErrUnknownUnit = errors.New("unknown sub-task unit")

// Catalog maps unit ids to implementations.
type Catalog struct {
	mu    sync.RWMutex
	units map[string]Unit
}

// NewCatalog returns a catalog holding units. Later duplicates replace
// earlier ones.
func NewCatalog(units ...Unit) *Catalog {
	c := &Catalog{units: make(map[string]Unit, len(units))}
	for _, u := range units {
		c.units[u.Name()] = u
	}
	return c
}

// Register adds u, failing if the name is taken.
func (c *Catalog) Register(u Unit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.units[u.Name()]; ok {
		return fmt.Errorf("unit %q already registered", u.Name())
	}
	c.units[u.Name()] = u
	return nil
}

// Lookup returns the unit registered under name.
func (c *Catalog) Lookup(name string) (Unit, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.units[name]
	return u, ok
}

// Resolve returns the units for names in order.
func (c *Catalog) Resolve(names []string) ([]Unit, error) {
	units := make([]Unit, 0, len(names))
	var missing []string
	for _, name := range names {
		u, ok := c.Lookup(name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		units = append(units, u)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnknownUnit, missing)
	}
	return units, nil
}

// Names lists the registered unit names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.units))
	for name := range c.units {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)
	return names
}
