// Package cas implements the content-addressable blob store (SPEC_FULL.md
// §4.B): blobs are written atomically via github.com/google/renameio exactly
// as internal/build/build.go writes build outputs, keyed and deduplicated by
// lukechampine.com/blake3 content hash in the style of the BLAKE3-backed CAS
// found in the retrieval pack, and transparently gzip-compressed above a
// size threshold via github.com/klauspost/compress/gzip.
package cas

import (
	"bytes"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/xerrors"
	"lukechampine.com/blake3"

	"github.com/buildforge/buildforge/internal/berrors"
)

// compressThreshold is the blob size, in bytes, from which a blob is stored
// gzip-compressed; smaller blobs are compressed only if they start with
// gzMarker.
const compressThreshold = 64 * 1024

// gzMarker prefixes compressed blobs on disk so getBlob can tell compressed
// and raw blobs apart without an out-of-band index.
const gzMarker = 0x1f // matches gzip's own magic byte; raw blobs never start with it, since PutBlob compresses any blob that does

// Hash is a hex-encoded BLAKE3 digest identifying a blob.
type Hash string

// Stats summarizes the store's current contents.
type Stats struct {
	TotalBlobs       int64
	UniqueBlobs      int64
	TotalBytes       int64 // sum of logical (uncompressed) sizes across all refs
	UniqueBytes      int64 // sum of logical sizes across unique blobs
	BytesOnDisk      int64
	DedupRatio       float64 // UniqueBlobs / TotalBlobs, 1.0 when store is empty
}

type entry struct {
	refcount    int64
	size        int64 // logical (uncompressed) size
	bytesOnDisk int64
	compressed  bool
}

// Store is a sharded, refcounted, content-addressable blob store rooted at
// a directory.
type Store struct {
	root string
	mu   sync.Mutex
	refs map[Hash]*entry

	totalPuts  int64 // number of putBlob calls observed, including dedup hits
	totalBytes int64 // sum of logical sizes across all puts, including dedup hits
}

// Open opens (creating if necessary) a Store rooted at root, recovering its
// refcount index by scanning the directory tree — the store's own
// description of itself is always the set of files actually present.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, berrors.Wrap(berrors.IOWriteFailed, "cas: create store root", err)
	}
	s := &Store{root: root, refs: make(map[Hash]*entry)}
	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) scan() error {
	return filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		hash := filepath.Base(path)
		if len(hash) != 64 {
			return nil // not a blob file (hex BLAKE3-256 digest is 64 chars)
		}
		compressed, size, rerr := peekBlob(path)
		if rerr != nil {
			return nil // skip unreadable/corrupt blob rather than fail Open
		}
		s.refs[Hash(hash)] = &entry{refcount: 1, size: size, compressed: compressed, bytesOnDisk: info.Size()}
		return nil
	})
}

func peekBlob(path string) (compressed bool, logicalSize int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, 0, err
	}
	defer f.Close()
	var first [1]byte
	n, _ := f.Read(first[:])
	if n == 1 && first[0] == gzMarker {
		gr, err := gzip.NewReader(f)
		if err != nil {
			return false, 0, err
		}
		defer gr.Close()
		size, err := io.Copy(io.Discard, gr)
		return true, size, err
	}
	st, err := f.Stat()
	if err != nil {
		return false, 0, err
	}
	return false, st.Size(), nil
}

func shardPath(root string, hash Hash) string {
	h := string(hash)
	return filepath.Join(root, h[:2], h)
}

// ContentHash computes the content hash a blob of data would be stored under,
// without touching disk.
func ContentHash(data []byte) Hash {
	sum := blake3.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

// PutBlob stores data, returning its content hash. If the content is
// already present its refcount is incremented instead of rewriting the
// file; last-writer-wins is acceptable since concurrent puts of identical
// bytes produce identical files.
func (s *Store) PutBlob(data []byte) (Hash, error) {
	hash := ContentHash(data)

	s.mu.Lock()
	s.totalPuts++
	s.totalBytes += int64(len(data))
	if e, ok := s.refs[hash]; ok {
		e.refcount++
		s.mu.Unlock()
		return hash, nil
	}
	s.mu.Unlock()

	path := shardPath(s.root, hash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", berrors.Wrap(berrors.IOWriteFailed, "cas: create shard dir", err)
	}

	compressed := len(data) >= compressThreshold || (len(data) > 0 && data[0] == gzMarker)
	payload := data
	if compressed {
		var buf bytes.Buffer
		buf.WriteByte(gzMarker)
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(data); err != nil {
			return "", berrors.Wrap(berrors.IOWriteFailed, "cas: gzip blob", err)
		}
		if err := gw.Close(); err != nil {
			return "", berrors.Wrap(berrors.IOWriteFailed, "cas: close gzip writer", err)
		}
		payload = buf.Bytes()
	}

	if err := renameio.WriteFile(path, payload, 0o644); err != nil {
		return "", berrors.Wrap(berrors.IOWriteFailed, "cas: write blob", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.refs[hash]; ok {
		// Another goroutine won the race and created the entry first.
		e.refcount++
		return hash, nil
	}
	s.refs[hash] = &entry{refcount: 1, size: int64(len(data)), compressed: compressed, bytesOnDisk: int64(len(payload))}
	return hash, nil
}

// GetBlob retrieves the content for hash, transparently decompressing it if
// it was stored compressed.
func (s *Store) GetBlob(hash Hash) ([]byte, error) {
	s.mu.Lock()
	_, ok := s.refs[hash]
	s.mu.Unlock()
	if !ok {
		return nil, berrors.New(berrors.CacheMiss, "cas: blob not found: "+string(hash))
	}

	path := shardPath(s.root, hash)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, berrors.Wrap(berrors.IOReadFailed, "cas: read blob", err)
	}
	if len(raw) > 0 && raw[0] == gzMarker {
		gr, err := gzip.NewReader(bytes.NewReader(raw[1:]))
		if err != nil {
			return nil, berrors.Wrap(berrors.CacheCorrupted, "cas: open gzip blob", err)
		}
		defer gr.Close()
		out, err := io.ReadAll(gr)
		if err != nil {
			return nil, berrors.Wrap(berrors.CacheCorrupted, "cas: decompress blob", err)
		}
		return out, nil
	}
	return raw, nil
}

// HasBlob reports whether hash is present, without reading the file.
func (s *Store) HasBlob(hash Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.refs[hash]
	return ok
}

// AddRef increments hash's refcount. It is a no-op if hash is unknown.
func (s *Store) AddRef(hash Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.refs[hash]; ok {
		e.refcount++
	}
}

// RemoveRef decrements hash's refcount and reports whether it has reached
// zero and is now eligible for DeleteBlob.
func (s *Store) RemoveRef(hash Hash) (canDelete bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.refs[hash]
	if !ok {
		return false
	}
	if e.refcount > 0 {
		e.refcount--
	}
	return e.refcount == 0
}

// ErrInUse is returned by DeleteBlob when hash's refcount is still positive.
var ErrInUse = xerrors.New("cas: blob in use")

// DeleteBlob removes hash's on-disk file, refusing while refcount > 0.
func (s *Store) DeleteBlob(hash Hash) error {
	s.mu.Lock()
	e, ok := s.refs[hash]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if e.refcount > 0 {
		s.mu.Unlock()
		return ErrInUse
	}
	delete(s.refs, hash)
	s.mu.Unlock()

	path := shardPath(s.root, hash)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return berrors.Wrap(berrors.IOWriteFailed, "cas: delete blob", err)
	}
	return nil
}

// Stats reports the store's current size and deduplication ratio.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	st.UniqueBlobs = int64(len(s.refs))
	for _, e := range s.refs {
		st.UniqueBytes += e.size
		st.BytesOnDisk += e.bytesOnDisk
	}
	st.TotalBlobs = s.totalPuts
	st.TotalBytes = s.totalBytes
	if st.TotalBlobs == 0 {
		st.DedupRatio = 1.0
	} else {
		st.DedupRatio = float64(st.UniqueBlobs) / float64(st.TotalBlobs)
	}
	return st
}

