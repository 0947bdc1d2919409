package querycache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func newTestCache(maxEntries int, ttl time.Duration) (*Cache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	c := New(Config{MaxEntries: maxEntries, TTL: ttl})
	c.now = clock.Now
	return c, clock
}

func TestGetReturnsStoredCopy(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)
	value := []byte(`{"route":"HYBRID"}`)
	c.Put("k", value, []string{"ODB"})
	value[0] = 'x'

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, `{"route":"HYBRID"}`, string(got))

	got[0] = 'y'
	again, _ := c.Get("k")
	assert.Equal(t, `{"route":"HYBRID"}`, string(again))
}

func TestEntriesExpireAfterTTL(t *testing.T) {
	c, clock := newTestCache(10, time.Minute)
	c.Put("k", []byte("v"), nil)

	clock.t = clock.t.Add(59 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok)

	clock.t = clock.t.Add(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLeastRecentlyUsedEntryIsEvicted(t *testing.T) {
	c, _ := newTestCache(2, time.Minute)
	c.Put("a", []byte("1"), nil)
	c.Put("b", []byte("2"), nil)
	_, _ = c.Get("a")
	c.Put("c", []byte("3"), nil)

	_, okA := c.Get("a")
	_, okB := c.Get("b")
	_, okC := c.Get("c")
	assert.True(t, okA)
	assert.False(t, okB)
	assert.True(t, okC)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestPutOverwritesExistingKey(t *testing.T) {
	c, _ := newTestCache(2, time.Minute)
	c.Put("a", []byte("1"), []string{"cpso"})
	c.Put("a", []byte("2"), []string{"odb"})

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "2", string(got))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 0, c.InvalidateOrganization("cpso"))
}

func TestInvalidateOrganizationDropsScopedAndUnscopedEntries(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)
	c.Put("odb", []byte("1"), []string{"odb"})
	c.Put("cpso", []byte("2"), []string{"cpso"})
	c.Put("both", []byte("3"), []string{"cpso", "odb"})
	c.Put("all", []byte("4"), nil)

	removed := c.InvalidateOrganization(" ODB ")
	assert.Equal(t, 3, removed)

	_, ok := c.Get("cpso")
	assert.True(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestStatsCountHitsAndMisses(t *testing.T) {
	c, _ := newTestCache(10, time.Minute)
	c.Put("k", []byte("v"), nil)
	_, _ = c.Get("k")
	_, _ = c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, Stats{Entries: 1, Hits: 1, Misses: 1}, stats)

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestNewAppliesDefaults(t *testing.T) {
	c := New(Config{})
	assert.Equal(t, DefaultMaxEntries, c.cfg.MaxEntries)
	assert.Equal(t, DefaultTTL, c.cfg.TTL)
}

func TestInspectTracksCreationAndLastAccess(t *testing.T) {
	c, clock := newTestCache(10, 10*time.Minute)
	created := clock.t
	c.Put("k", []byte("v"), []string{"CPSO"})

	info, ok := c.Inspect("k")
	require.True(t, ok)
	assert.Equal(t, created, info.CreatedAt)
	assert.Equal(t, created, info.LastAccess)
	assert.Equal(t, created.Add(10*time.Minute), info.ExpiresAt)
	assert.Equal(t, []string{"cpso"}, info.Organizations)

	clock.t = clock.t.Add(3 * time.Minute)
	_, ok = c.Get("k")
	require.True(t, ok)
	clock.t = clock.t.Add(time.Minute)

	info, _ = c.Inspect("k")
	assert.Equal(t, created, info.CreatedAt)
	assert.Equal(t, created.Add(3*time.Minute), info.LastAccess)
	assert.Equal(t, uint64(1), info.Hits)

	c.Put("k", []byte("v2"), nil)
	info, _ = c.Inspect("k")
	assert.Equal(t, clock.t, info.CreatedAt, "overwrite starts a new entry life")

	_, ok = c.Inspect("missing")
	assert.False(t, ok)
}
