// Package fingerprint computes content and metadata hashes for files
// (SPEC_FULL.md §4.A), using lukechampine.com/blake3 for content hashing and
// golang.org/x/sys/unix for the inode number that backs the metadata hash,
// following the stat-based staleness check internal/batch/batch.go performs
// against a package's .meta.textproto before deciding to rebuild it.
package fingerprint

import (
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
	"lukechampine.com/blake3"
)

// Hash is a hex-encoded BLAKE3 digest.
type Hash string

const (
	tinyThreshold   = 4 * 1024
	largeThreshold  = 100 * 1024 * 1024
	mediumWindows   = 16
	mediumWindowLen = 4 * 1024
	largeWindows    = 8
	largeWindowLen  = 1 * 1024
	edgeBlockLen    = 4 * 1024
)

// HashMetadata hashes (size, mtime_ns, inode) for path. It never reads file
// content and is constant-time regardless of file size.
func HashMetadata(path string) (Hash, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return "", xerrors.Errorf("fingerprint: stat %s: %w", path, err)
	}
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(st.Size))
	binary.BigEndian.PutUint64(buf[8:16], uint64(mtimeNs(st)))
	binary.BigEndian.PutUint64(buf[16:24], st.Ino)

	h := blake3.New(32, nil)
	h.Write(buf[:])
	return Hash(hex.EncodeToString(h.Sum(nil))), nil
}

// HashFile computes the content hash of path using the size-tiered sampling
// scheme: full content below 4 KiB, 16 fixed-offset 4 KiB windows up to 100
// MiB, and 8 fixed-offset 1 KiB windows plus first/last 4 KiB blocks above
// that. The offsets are a pure function of size, so repeated calls against
// unmodified bytes always produce the same hash.
func HashFile(path string) (Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", xerrors.Errorf("fingerprint: open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", xerrors.Errorf("fingerprint: stat %s: %w", path, err)
	}
	size := st.Size()

	h := blake3.New(32, nil)
	switch {
	case size < tinyThreshold:
		if err := hashFull(h, f); err != nil {
			return "", xerrors.Errorf("fingerprint: hash %s: %w", path, err)
		}
	case size <= largeThreshold:
		if err := hashWindows(h, f, size, mediumWindows, mediumWindowLen); err != nil {
			return "", xerrors.Errorf("fingerprint: hash %s: %w", path, err)
		}
		writeSize(h, size)
	default:
		if err := hashWindows(h, f, size, largeWindows, largeWindowLen); err != nil {
			return "", xerrors.Errorf("fingerprint: hash %s: %w", path, err)
		}
		if err := hashEdgeBlocks(h, f, size); err != nil {
			return "", xerrors.Errorf("fingerprint: hash %s: %w", path, err)
		}
		writeSize(h, size)
	}
	return Hash(hex.EncodeToString(h.Sum(nil))), nil
}

func hashFull(h *blake3.Hasher, f *os.File) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// hashWindows reads n fixed-offset windows of length windowLen at offsets
// i*floor(size/n), i in 0..n-1, feeding each window into h in index order.
func hashWindows(h *blake3.Hasher, f *os.File, size int64, n, windowLen int) error {
	stride := size / int64(n)
	buf := make([]byte, windowLen)
	for i := 0; i < n; i++ {
		offset := int64(i) * stride
		readLen := windowLen
		if offset+int64(readLen) > size {
			readLen = int(size - offset)
		}
		if readLen <= 0 {
			continue
		}
		if _, err := f.ReadAt(buf[:readLen], offset); err != nil {
			return err
		}
		h.Write(buf[:readLen])
	}
	return nil
}

func hashEdgeBlocks(h *blake3.Hasher, f *os.File, size int64) error {
	n := int64(edgeBlockLen)
	if n > size {
		n = size
	}
	first := make([]byte, n)
	if _, err := f.ReadAt(first, 0); err != nil {
		return err
	}
	h.Write(first)

	last := make([]byte, n)
	if _, err := f.ReadAt(last, size-n); err != nil {
		return err
	}
	h.Write(last)
	return nil
}

func writeSize(h *blake3.Hasher, size int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(size))
	h.Write(buf[:])
}

// TwoTierResult is the outcome of HashFileTwoTier.
type TwoTierResult struct {
	MetadataHash  Hash
	ContentHashed bool
	ContentHash   Hash
}

// HashFileTwoTier recomputes path's metadata hash; if it matches
// priorMetadataHash the content hash is skipped entirely (the cache
// validation fast path — files untouched since the last build resolve
// without ever reading their bytes).
func HashFileTwoTier(path string, priorMetadataHash Hash) (TwoTierResult, error) {
	meta, err := HashMetadata(path)
	if err != nil {
		return TwoTierResult{}, err
	}
	if meta == priorMetadataHash && priorMetadataHash != "" {
		return TwoTierResult{MetadataHash: meta}, nil
	}
	content, err := HashFile(path)
	if err != nil {
		return TwoTierResult{}, err
	}
	return TwoTierResult{MetadataHash: meta, ContentHashed: true, ContentHash: content}, nil
}

// KeyedHash computes a keyed (HMAC-like) BLAKE3 hash of data under key.
// internal/integrity computes its MACs with blake3 directly rather than
// through this function.
func KeyedHash(key [32]byte, data []byte) Hash {
	h := blake3.New(32, key[:])
	h.Write(data)
	return Hash(hex.EncodeToString(h.Sum(nil)))
}
