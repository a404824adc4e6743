package volume

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.trai.ch/zerr"
)

const (
	// DefaultCachePath is the base directory for cache volumes
	DefaultCachePath = "/var/lib/burrow/caches"

	keySeparator = "::"
)

var (
	// ErrInvalidCacheName is returned for names that cannot be used as a directory
	ErrInvalidCacheName = zerr.New("invalid cache name")
	// ErrUnknownInstance is returned when releasing a key the cache does not hold
	ErrUnknownInstance = zerr.New("unknown cache instance")
)

// Instance is a cache directory handed out to one container
type Instance struct {
	Key  string
	Path string
}

type entry struct {
	name    string
	id      string
	path    string
	mounted bool
}

// Cache hands out reusable host directories grouped by cache name. Each
// instance is held by at most one container between Get and Release.
type Cache struct {
	mu      sync.Mutex
	root    string
	entries map[string]*entry
	lastID  int64
	clock   clockwork.Clock
	logger  zerolog.Logger
}

// NewCache creates a cache rooted at root
func NewCache(root string, clock clockwork.Clock) (*Cache, error) {
	if root == "" {
		root = DefaultCachePath
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &Cache{
		root:    root,
		entries: make(map[string]*entry),
		clock:   clock,
		logger:  log.WithComponent("volume-cache"),
	}, nil
}

// Root returns the directory holding every cache
func (c *Cache) Root() string {
	return c.root
}

// Load adopts instance directories left on disk by a previous process as
// unmounted instances
func (c *Cache) Load() error {
	names, err := os.ReadDir(c.root)
	if err != nil {
		return fmt.Errorf("failed to read cache directory: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	adopted := 0
	for _, name := range names {
		if !name.IsDir() || validateName(name.Name()) != nil {
			continue
		}
		ids, err := os.ReadDir(filepath.Join(c.root, name.Name()))
		if err != nil {
			return fmt.Errorf("failed to read cache %s: %w", name.Name(), err)
		}
		for _, id := range ids {
			n, err := strconv.ParseInt(id.Name(), 10, 64)
			if !id.IsDir() || err != nil {
				c.logger.Warn().Str("cache", name.Name()).Str("entry", id.Name()).Msg("Skipping unrecognized cache entry")
				continue
			}
			if n > c.lastID {
				c.lastID = n
			}
			e := &entry{
				name: name.Name(),
				id:   id.Name(),
				path: filepath.Join(c.root, name.Name(), id.Name()),
			}
			c.entries[instanceKey(e.name, e.id)] = e
			adopted++
		}
	}

	c.logger.Info().Int("instances", adopted).Msg("Loaded existing cache instances")
	return nil
}

// Get returns an unmounted instance of name, most recently created first, or
// creates a new one. The instance is marked mounted before Get returns.
func (c *Cache) Get(name string) (Instance, error) {
	if err := validateName(name); err != nil {
		return Instance{}, err
	}

	c.mu.Lock()
	if e := c.newestUnmountedLocked(name); e != nil {
		e.mounted = true
		inst := Instance{Key: instanceKey(e.name, e.id), Path: e.path}
		c.mu.Unlock()

		metrics.CacheRequests.WithLabelValues(name, "hit").Inc()
		c.logger.Debug().Str("cache", name).Str("key", inst.Key).Msg("Reusing cache instance")
		return inst, nil
	}

	// Register the new instance as mounted before touching the disk so a
	// concurrent Get for the same name cannot select it.
	id := c.nextIDLocked()
	e := &entry{
		name:    name,
		id:      id,
		path:    filepath.Join(c.root, name, id),
		mounted: true,
	}
	key := instanceKey(name, id)
	c.entries[key] = e
	c.mu.Unlock()

	metrics.CacheRequests.WithLabelValues(name, "miss").Inc()

	if err := os.MkdirAll(e.path, 0755); err != nil {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return Instance{}, fmt.Errorf("failed to create cache instance %s: %w", key, err)
	}

	c.logger.Debug().Str("cache", name).Str("key", key).Msg("Created cache instance")
	return Instance{Key: key, Path: e.path}, nil
}

// Release makes the instance available to a future Get. The instance is
// re-registered under a new key with the same path, so key is no longer valid
// after Release returns.
func (c *Cache) Release(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return zerr.With(zerr.Wrap(ErrUnknownInstance, "failed to release"), "key", key)
	}

	delete(c.entries, key)
	released := &entry{
		name: e.name,
		id:   c.nextIDLocked(),
		path: e.path,
	}
	c.entries[instanceKey(released.name, released.id)] = released

	c.logger.Debug().Str("cache", e.name).Str("key", key).Msg("Released cache instance")
	return nil
}

// Clear deletes every unmounted instance when diskPressure is set. Mounted
// instances are never touched.
func (c *Cache) Clear(diskPressure bool) error {
	if !diskPressure {
		return nil
	}

	c.mu.Lock()
	var purge []*entry
	for key, e := range c.entries {
		if !e.mounted {
			purge = append(purge, e)
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, e := range purge {
		if err := os.RemoveAll(e.path); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove cache instance %s: %w", e.path, err))
			continue
		}
		metrics.CachePurged.Inc()
	}

	c.logger.Info().Int("purged", len(purge)-len(errs)).Msg("Cleared unmounted cache instances")
	return errors.Join(errs...)
}

// Stats returns the number of known and mounted instances
func (c *Cache) Stats() (total, mounted int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		total++
		if e.mounted {
			mounted++
		}
	}
	return total, mounted
}

func (c *Cache) newestUnmountedLocked(name string) *entry {
	var candidates []*entry
	for _, e := range c.entries {
		if e.name == name && !e.mounted {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].id > candidates[j].id
	})
	return candidates[0]
}

// nextIDLocked returns a zero-padded timestamp id, strictly increasing so ids
// sort in creation order.
func (c *Cache) nextIDLocked() string {
	id := c.clock.Now().UnixNano()
	if id <= c.lastID {
		id = c.lastID + 1
	}
	c.lastID = id
	return fmt.Sprintf("%019d", id)
}

func instanceKey(name, id string) string {
	return name + keySeparator + id
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.Contains(name, keySeparator) {
		return zerr.With(zerr.Wrap(ErrInvalidCacheName, "failed to validate cache"), "name", name)
	}
	return nil
}
