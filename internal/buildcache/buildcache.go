// Package buildcache implements the persistent target-level build cache
// (SPEC_FULL.md §4.C): "is target T up-to-date given its sources and deps."
// It generalizes the single per-package .meta.textproto staleness check
// internal/batch/batch.go performs (comparing a recorded InputDigest against
// the package's current digest) into a signed, evictable, multi-target
// cache backed by an LRU index so recency ordering for eviction comes from
// the library rather than a hand-rolled scan.
package buildcache

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/buildforge/buildforge"
	"github.com/buildforge/buildforge/internal/berrors"
	"github.com/buildforge/buildforge/internal/fingerprint"
	"github.com/buildforge/buildforge/internal/integrity"
)

// magic identifies cache.bin per SPEC_FULL.md §6; version allows the
// wrapped-envelope format to evolve without silently misparsing an old file.
var magic = [8]byte{'F', 'R', 'G', 'B', 'C', 'A', 'C', 'H'}

const fileVersion byte = 1

// Config bounds what survives a flush, sourced from the environment via
// internal/config.
type Config struct {
	MaxSize    int64
	MaxEntries int
	MaxAge     time.Duration
}

// SourceFingerprint is what the cache remembers about one source file.
type SourceFingerprint struct {
	Path         string
	MetadataHash fingerprint.Hash
	ContentHash  fingerprint.Hash
}

// Entry is one target's recorded cache state.
type Entry struct {
	TargetId    buildforge.TargetId
	Sources     []SourceFingerprint
	DepHashes   map[buildforge.TargetId]fingerprint.Hash
	OutputHash  fingerprint.Hash
	LastAccess  time.Time
	Size        int64
}

// Stats summarizes the cache's current state.
type Stats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Evictions int64
}

// Cache is the persistent target-level build cache.
type Cache struct {
	mu     sync.Mutex
	cfg    Config
	path   string
	key    [32]byte
	lru    *lru.Cache[buildforge.TargetId, *Entry]
	hits   int64
	misses int64
	evicts int64
}

// Open loads the cache at path (a signed file written by Flush), or starts
// empty if the file is absent, tampered, or expired — per §4.C that is
// always a soft failure, never a hard error.
func Open(path string, workspaceRoot string, cfg Config) (*Cache, error) {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 100000
	}
	l, err := lru.New[buildforge.TargetId, *Entry](maxEntries)
	if err != nil {
		return nil, berrors.Wrap(berrors.CacheLoadFailed, "buildcache: create lru", err)
	}

	c := &Cache{
		path: path,
		cfg:  cfg,
		key:  integrity.DeriveKey(workspaceRoot),
		lru:  l,
	}
	c.load()
	return c, nil
}

func (c *Cache) load() {
	raw, err := readFile(c.path)
	if err != nil {
		return // absent: start empty
	}
	sd, err := integrity.Unwrap(magic, fileVersion, raw)
	if err != nil {
		return
	}
	payload, ok := integrity.Verify(c.key, sd, time.Now())
	if !ok {
		return // tampered or expired: start fresh
	}
	var entries []*Entry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return
	}
	for _, e := range entries {
		c.lru.Add(e.TargetId, e)
	}
}

// IsCached answers whether targetId is up-to-date given its current sources
// and deps. Metadata hashes are checked first (the fast path); content is
// rehashed only when metadata indicates a possible change.
func (c *Cache) IsCached(targetId buildforge.TargetId, sourcePaths []string, depOutputs map[buildforge.TargetId]fingerprint.Hash) (bool, error) {
	c.mu.Lock()
	entry, ok := c.lru.Get(targetId)
	c.mu.Unlock()
	if !ok {
		c.recordMiss()
		return false, nil
	}

	if len(entry.Sources) != len(sourcePaths) {
		c.recordMiss()
		return false, nil
	}
	bySrcPath := make(map[string]SourceFingerprint, len(entry.Sources))
	for _, sf := range entry.Sources {
		bySrcPath[sf.Path] = sf
	}
	for _, path := range sourcePaths {
		prior, ok := bySrcPath[path]
		if !ok {
			c.recordMiss()
			return false, nil
		}
		res, err := fingerprint.HashFileTwoTier(path, prior.MetadataHash)
		if err != nil {
			return false, berrors.Wrap(berrors.IOReadFailed, "buildcache: hash source", err)
		}
		if res.ContentHashed && res.ContentHash != prior.ContentHash {
			c.recordMiss()
			return false, nil
		}
	}

	for dep, currentHash := range depOutputs {
		recorded, ok := entry.DepHashes[dep]
		if !ok || recorded != currentHash {
			c.recordMiss()
			return false, nil
		}
	}

	c.mu.Lock()
	entry.LastAccess = time.Now()
	c.mu.Unlock()
	c.recordHit()
	return true, nil
}

// OutputHash returns the recorded output hash for targetId without
// affecting LRU recency, used by the scheduler to populate a node's output
// hash on a cache hit.
func (c *Cache) OutputHash(targetId buildforge.TargetId) (fingerprint.Hash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Peek(targetId)
	if !ok {
		return "", false
	}
	return e.OutputHash, true
}

func (c *Cache) recordHit()  { c.mu.Lock(); c.hits++; c.mu.Unlock() }
func (c *Cache) recordMiss() { c.mu.Lock(); c.misses++; c.mu.Unlock() }

// smallSourceThreshold gates when Update rehashes sources in parallel
// instead of serially, amortizing goroutine spin-up cost.
const smallSourceThreshold = 4

// Update records targetId's current fingerprints after a successful build.
func (c *Cache) Update(targetId buildforge.TargetId, sourcePaths []string, depOutputs map[buildforge.TargetId]fingerprint.Hash, outputHash fingerprint.Hash) error {
	sources := make([]SourceFingerprint, len(sourcePaths))
	sizes := make([]int64, len(sourcePaths))
	if len(sourcePaths) >= smallSourceThreshold {
		var wg sync.WaitGroup
		errs := make([]error, len(sourcePaths))
		for i, p := range sourcePaths {
			wg.Add(1)
			go func(i int, p string) {
				defer wg.Done()
				sources[i], sizes[i], errs[i] = hashSource(p)
			}(i, p)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return err
			}
		}
	} else {
		for i, p := range sourcePaths {
			sf, sz, err := hashSource(p)
			if err != nil {
				return err
			}
			sources[i] = sf
			sizes[i] = sz
		}
	}

	var total int64
	for _, sz := range sizes {
		total += sz
	}

	depsCopy := make(map[buildforge.TargetId]fingerprint.Hash, len(depOutputs))
	for k, v := range depOutputs {
		depsCopy[k] = v
	}

	c.mu.Lock()
	c.lru.Add(targetId, &Entry{
		TargetId:   targetId,
		Sources:    sources,
		DepHashes:  depsCopy,
		OutputHash: outputHash,
		LastAccess: time.Now(),
		Size:       total,
	})
	c.mu.Unlock()
	return nil
}

func hashSource(path string) (SourceFingerprint, int64, error) {
	meta, err := fingerprint.HashMetadata(path)
	if err != nil {
		return SourceFingerprint{}, 0, berrors.Wrap(berrors.IOReadFailed, "buildcache: metadata hash", err)
	}
	content, err := fingerprint.HashFile(path)
	if err != nil {
		return SourceFingerprint{}, 0, berrors.Wrap(berrors.IOReadFailed, "buildcache: content hash", err)
	}
	var size int64
	if st, err := os.Stat(path); err == nil {
		size = st.Size()
	}
	return SourceFingerprint{Path: path, MetadataHash: meta, ContentHash: content}, size, nil
}

// Invalidate removes targetId's entry.
func (c *Cache) Invalidate(targetId buildforge.TargetId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(targetId)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Close flushes the cache to disk (running eviction) and releases nothing
// else; the Cache value itself remains safe to keep using after Close.
func (c *Cache) Close() error {
	return c.Flush(true)
}

// Flush serializes, signs, and atomically writes the cache to its path. If
// runEviction is true, entries beyond the configured size/count/age bounds
// are dropped first.
func (c *Cache) Flush(runEviction bool) error {
	c.mu.Lock()
	if runEviction {
		c.evict()
	}
	entries := make([]*Entry, 0, c.lru.Len())
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok {
			entries = append(entries, e)
		}
	}
	c.mu.Unlock()

	payload, err := json.Marshal(entries)
	if err != nil {
		return berrors.Wrap(berrors.CacheSaveFailed, "buildcache: marshal entries", err)
	}
	sd := integrity.Sign(c.key, payload, 30*24*time.Hour, time.Now())
	if err := writeFileAtomic(c.path, integrity.Wrap(magic, fileVersion, sd)); err != nil {
		return berrors.Wrap(berrors.CacheSaveFailed, "buildcache: write cache file", err)
	}
	return nil
}

// evict prunes anything older than MaxAge, then drops LRU-oldest entries
// until the count and size bounds hold. Must be called with c.mu held.
func (c *Cache) evict() {
	maxAge := c.cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	cutoff := time.Now().Add(-maxAge)

	for _, k := range c.lru.Keys() {
		e, ok := c.lru.Peek(k)
		if ok && e.LastAccess.Before(cutoff) {
			c.lru.Remove(k)
			c.evicts++
		}
	}

	maxEntries := c.cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 100000
	}
	for c.lru.Len() > maxEntries {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
		c.evicts++
	}

	if c.cfg.MaxSize > 0 {
		for c.totalSizeLocked() > c.cfg.MaxSize && c.lru.Len() > 0 {
			if _, _, ok := c.lru.RemoveOldest(); !ok {
				break
			}
			c.evicts++
		}
	}
}

func (c *Cache) totalSizeLocked() int64 {
	var total int64
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok {
			total += e.Size
		}
	}
	return total
}

// GetStats reports hit/miss/eviction counters and the current entry count.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   c.lru.Len(),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evicts,
	}
}

