// Package graphcache persists the constructed dependency graph between
// invocations (SPEC_FULL.md §4.N), keyed by a hash of all Builderfiles, so a
// large repo can skip its analysis pass on a cache hit. Signed with
// internal/integrity exactly as the build/action caches are, and written
// atomically via github.com/google/renameio.
package graphcache

import (
	"encoding/hex"
	"os"
	"time"

	"github.com/google/renameio"
	"lukechampine.com/blake3"

	"github.com/buildforge/buildforge/internal/berrors"
	"github.com/buildforge/buildforge/internal/depgraph"
	"github.com/buildforge/buildforge/internal/integrity"
)

// magic identifies graph.bin per SPEC_FULL.md §6.
var magic = [8]byte{'F', 'R', 'G', 'G', 'C', 'A', 'C', 'H'}

const fileVersion byte = 1

// ttl bounds how long a persisted graph cache is trusted before Load treats
// it as absent, matching the build/action cache's 30-day expiry.
const ttl = 30 * 24 * time.Hour

// Key computes the cache key for the current set of Builderfile hashes: a
// simple concatenation-then-sum, since Builderfile parsing is an external
// collaborator (§1) and all this package needs is a stable fingerprint over
// whatever hashes that collaborator reports.
func Key(builderfileHashes []string) string {
	var all []byte
	for _, h := range builderfileHashes {
		all = append(all, []byte(h)...)
		all = append(all, 0)
	}
	sum := blake3.Sum256(all)
	return hex.EncodeToString(sum[:])
}

// Load reads the graph cache at path, returning the graph and true if the
// signature is valid, the stored key matches wantKey and it hasn't
// expired. Any failure in that chain is a soft miss, never a hard error,
// mirroring the build/action cache's load behavior.
func Load(path, workspaceRoot, wantKey string) (*depgraph.Graph, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	sd, err := integrity.Unwrap(magic, fileVersion, raw)
	if err != nil {
		return nil, false
	}
	key := integrity.DeriveKey(workspaceRoot)
	payload, ok := integrity.Verify(key, sd, time.Now())
	if !ok {
		return nil, false
	}

	const keyLen = 64 // hex-encoded 32-byte hash
	if len(payload) < keyLen || string(payload[:keyLen]) != wantKey {
		return nil, false
	}
	g, err := depgraph.Deserialize(payload[keyLen:])
	if err != nil {
		return nil, false
	}
	return g, true
}

// Store signs and atomically writes g to path, tagged with key so a future
// Load can tell whether the Builderfiles changed since.
func Store(path, workspaceRoot, key string, g *depgraph.Graph) error {
	snap, err := g.Serialize()
	if err != nil {
		return err
	}
	payload := append([]byte(key), snap...)
	signingKey := integrity.DeriveKey(workspaceRoot)
	sd := integrity.Sign(signingKey, payload, ttl, time.Now())
	if err := renameio.WriteFile(path, integrity.Wrap(magic, fileVersion, sd), 0o644); err != nil {
		return berrors.Wrap(berrors.CacheSaveFailed, "graphcache: write", err)
	}
	return nil
}
