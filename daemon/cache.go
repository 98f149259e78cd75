package daemon

import (
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/machined/machined/daemon/machine"
)

// Cache holds loaded machines by uuid, so repeated operations on one machine
// share a single in-memory copy. Entries expire after the TTL and are
// reloaded from disk on next use.
type Cache struct {
	c *cache.Cache
}

// NewCache returns a cache whose entries live for ttl.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{c: cache.New(ttl, 2*ttl)}
}

func (c *Cache) Get(uuid string) (*machine.Machine, bool) {
	v, ok := c.c.Get(uuid)
	if !ok {
		return nil, false
	}
	return v.(*machine.Machine), true
}

func (c *Cache) Add(m *machine.Machine) {
	c.c.SetDefault(m.UUID(), m)
}

// Evict drops uuid, forcing the next use to reload it.
func (c *Cache) Evict(uuid string) {
	c.c.Delete(uuid)
}

func (c *Cache) Len() int {
	return c.c.ItemCount()
}
