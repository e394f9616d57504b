// Package actioncache implements the finer-grained action-level cache
// (SPEC_FULL.md §4.D): one entry per ActionId (e.g. per source file compile)
// rather than per target, with short-TTL negative caching for failed
// actions so a fixed compile error is retried automatically without a full
// invalidate. Grounded on the same .meta.textproto staleness check
// internal/batch/batch.go performs, applied at finer grain, and sharing
// internal/integrity's signing with internal/buildcache.
package actioncache

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/buildforge/buildforge/internal/berrors"
	"github.com/buildforge/buildforge/internal/fingerprint"
	"github.com/buildforge/buildforge/internal/integrity"
)

// magic identifies actions.bin per SPEC_FULL.md §6.
var magic = [8]byte{'F', 'R', 'G', 'A', 'C', 'A', 'C', 'H'}

const fileVersion byte = 1

// DefaultNegativeCacheTTL is how long a failed action's cached result is
// honored before being treated as a miss, per the resolved Open Question on
// negative caching.
const DefaultNegativeCacheTTL = 2 * time.Minute

// Config configures the action cache's negative-caching policy.
type Config struct {
	NegativeCacheTTL time.Duration
}

// Record is one action's cached outcome.
type Record struct {
	ActionId    string
	InputHashes map[string]fingerprint.Hash
	Metadata    map[string]string
	Success     bool
	RecordedAt  time.Time
}

// Stats summarizes the cache's hit/miss behavior.
type Stats struct {
	Entries int
	Hits    int64
	Misses  int64
}

// Cache is the action-level cache.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	path    string
	key     [32]byte
	entries map[string]*Record
	hits    int64
	misses  int64
}

// Open loads the cache at path, or starts empty on any load failure — a
// soft failure per §4.D, identical in spirit to the build cache.
func Open(path string, workspaceRoot string, cfg Config) (*Cache, error) {
	if cfg.NegativeCacheTTL <= 0 {
		cfg.NegativeCacheTTL = DefaultNegativeCacheTTL
	}
	c := &Cache{
		path:    path,
		cfg:     cfg,
		key:     integrity.DeriveKey(workspaceRoot),
		entries: make(map[string]*Record),
	}
	c.load()
	return c, nil
}

func (c *Cache) load() {
	raw, err := readFile(c.path)
	if err != nil {
		return
	}
	sd, err := integrity.Unwrap(magic, fileVersion, raw)
	if err != nil {
		return
	}
	payload, ok := integrity.Verify(c.key, sd, time.Now())
	if !ok {
		return
	}
	var records []*Record
	if err := json.Unmarshal(payload, &records); err != nil {
		return
	}
	for _, r := range records {
		c.entries[r.ActionId] = r
	}
}

// IsCached reports whether actionId's recorded outcome for the given inputs
// is still valid. Successful results are honored for the life of the signed
// envelope; failed results expire after NegativeCacheTTL even though the
// envelope itself remains valid.
func (c *Cache) IsCached(actionId string, inputHashes map[string]fingerprint.Hash) (cached bool, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.entries[actionId]
	if !ok {
		c.misses++
		return false, false
	}
	if len(rec.InputHashes) != len(inputHashes) {
		c.misses++
		return false, false
	}
	for k, v := range inputHashes {
		if rec.InputHashes[k] != v {
			c.misses++
			return false, false
		}
	}
	if !rec.Success && time.Since(rec.RecordedAt) > c.cfg.NegativeCacheTTL {
		c.misses++
		return false, false
	}
	c.hits++
	return true, rec.Success
}

// Update records actionId's outcome.
func (c *Cache) Update(actionId string, inputHashes map[string]fingerprint.Hash, metadata map[string]string, success bool) error {
	hashesCopy := make(map[string]fingerprint.Hash, len(inputHashes))
	for k, v := range inputHashes {
		hashesCopy[k] = v
	}
	c.mu.Lock()
	c.entries[actionId] = &Record{
		ActionId:    actionId,
		InputHashes: hashesCopy,
		Metadata:    metadata,
		Success:     success,
		RecordedAt:  time.Now(),
	}
	c.mu.Unlock()
	return nil
}

// Invalidate removes actionId's cached outcome unconditionally.
func (c *Cache) Invalidate(actionId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, actionId)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Record)
}

// Close flushes and signs the cache to disk.
func (c *Cache) Close() error {
	c.mu.Lock()
	records := make([]*Record, 0, len(c.entries))
	for _, r := range c.entries {
		records = append(records, r)
	}
	c.mu.Unlock()

	payload, err := json.Marshal(records)
	if err != nil {
		return berrors.Wrap(berrors.CacheSaveFailed, "actioncache: marshal records", err)
	}
	sd := integrity.Sign(c.key, payload, 30*24*time.Hour, time.Now())
	if err := writeFileAtomic(c.path, integrity.Wrap(magic, fileVersion, sd)); err != nil {
		return berrors.Wrap(berrors.CacheSaveFailed, "actioncache: write cache file", err)
	}
	return nil
}

// GetStats reports hit/miss counters and the current entry count.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}
