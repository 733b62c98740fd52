package workflow

import (
	"sort"
	"sync"

	"github.com/mpataki/courier/internal/models"
)

// Catalog is the set of loaded definitions, keyed by name.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]*models.WorkflowDefinition
}

func NewCatalog(defs ...*models.WorkflowDefinition) *Catalog {
	c := &Catalog{defs: make(map[string]*models.WorkflowDefinition)}
	for _, d := range defs {
		c.Add(d)
	}
	return c
}

func (c *Catalog) Add(def *models.WorkflowDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs[def.Name] = def
}

func (c *Catalog) Lookup(name string) (*models.WorkflowDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[name]
	return def, ok
}

// Names returns every workflow name, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.defs))
	for name := range c.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.defs)
}
