package querycache

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxEntries = 1000
	DefaultTTL        = 10 * time.Minute
)

type Config struct {
	MaxEntries int
	TTL        time.Duration
}

type Stats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// EntryInfo describes one cached response without its payload.
type EntryInfo struct {
	CreatedAt     time.Time `json:"created_at"`
	LastAccess    time.Time `json:"last_access"`
	ExpiresAt     time.Time `json:"expires_at"`
	Hits          uint64    `json:"hits"`
	Organizations []string  `json:"organizations,omitempty"`
}

type entry struct {
	key           string
	value         []byte
	organizations []string
	createdAt     time.Time
	lastAccess    time.Time
	expiresAt     time.Time
	hits          uint64
}

// Cache is a size-bounded LRU with per-entry expiry. Entries remember the
// organizations they were scoped to so that corpus updates can drop them.
type Cache struct {
	mu    sync.Mutex
	cfg   Config
	ll    *list.List
	items map[string]*list.Element
	now   func() time.Time

	hits, misses, evictions uint64
}

func New(cfg Config) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Cache{
		cfg:   cfg,
		ll:    list.New(),
		items: make(map[string]*list.Element),
		now:   time.Now,
	}
}

// Get returns a copy of the cached value. Expired entries are removed on
// access.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	e := el.Value.(*entry)
	if !c.now().Before(e.expiresAt) {
		c.removeElement(el)
		c.misses++
		return nil, false
	}
	c.ll.MoveToFront(el)
	e.lastAccess = c.now()
	e.hits++
	c.hits++
	return append([]byte(nil), e.value...), true
}

func (c *Cache) Put(key string, value []byte, organizations []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	orgs := make([]string, 0, len(organizations))
	for _, org := range organizations {
		if org = strings.ToLower(strings.TrimSpace(org)); org != "" {
			orgs = append(orgs, org)
		}
	}
	stored := append([]byte(nil), value...)
	now := c.now()
	expiresAt := now.Add(c.cfg.TTL)

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		e.value = stored
		e.organizations = orgs
		e.createdAt = now
		e.lastAccess = now
		e.expiresAt = expiresAt
		e.hits = 0
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&entry{
		key:           key,
		value:         stored,
		organizations: orgs,
		createdAt:     now,
		lastAccess:    now,
		expiresAt:     expiresAt,
	})
	c.items[key] = el
	for c.ll.Len() > c.cfg.MaxEntries {
		c.removeElement(c.ll.Back())
		c.evictions++
	}
}

// InvalidateOrganization drops every entry scoped to the organization and
// every unscoped entry, since those may contain its documents too.
func (c *Cache) InvalidateOrganization(organization string) int {
	org := strings.ToLower(strings.TrimSpace(organization))

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.ll.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if len(e.organizations) == 0 || containsOrg(e.organizations, org) {
			c.removeElement(el)
			removed++
		}
		el = next
	}
	return removed
}

func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[string]*list.Element)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   c.ll.Len(),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// Inspect reports an entry's bookkeeping. It does not count as an access.
func (c *Cache) Inspect(key string) (EntryInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return EntryInfo{}, false
	}
	e := el.Value.(*entry)
	return EntryInfo{
		CreatedAt:     e.createdAt,
		LastAccess:    e.lastAccess,
		ExpiresAt:     e.expiresAt,
		Hits:          e.hits,
		Organizations: append([]string(nil), e.organizations...),
	}, true
}

func (c *Cache) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*entry).key)
}

func containsOrg(orgs []string, org string) bool {
	for _, o := range orgs {
		if o == org {
			return true
		}
	}
	return false
}
