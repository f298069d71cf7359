package explorer

import (
	"strconv"
	"sync"

	"github.com/fruitsalade/explorer/pkg/models"
)

// IconCache maps small icon indexes to resolved icon references. Icon identity
// is assumed stable per index for the lifetime of the process.
type IconCache struct {
	mu     sync.RWMutex
	images map[int]string
}

// NewIconCache creates an empty icon cache.
func NewIconCache() *IconCache {
	return &IconCache{images: make(map[int]string)}
}

// Resolve returns the icon for a node. An explicit IconURI registers (or
// overwrites) the entry for the node's index; otherwise the entry is looked up.
func (c *IconCache) Resolve(info models.NodeInfo) string {
	if info.IconURI != "" {
		c.mu.Lock()
		c.images[info.IconIndex] = info.IconURI
		c.mu.Unlock()
		return info.IconURI
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.images[info.IconIndex]
}

// Len returns the number of known icons.
func (c *IconCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.images)
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
