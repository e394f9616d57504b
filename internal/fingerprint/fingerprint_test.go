package fingerprint

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := bytes.Repeat([]byte{0xAB}, size)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestHashFileDeterministic(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "tiny.bin", 100)

	h1, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	h2, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if h1 != h2 {
		t.Errorf("HashFile not deterministic: %q != %q", h1, h2)
	}
}

func TestHashFileDetectsChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "medium.bin", 1<<20)

	h1, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}

	// Flip a byte inside one of the sampled windows (offset 0, definitely
	// sampled since window 0 always starts at offset 0).
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.WriteAt([]byte{0xFF}, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	f.Close()

	h2, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if h1 == h2 {
		t.Errorf("HashFile did not detect change in sampled window")
	}
}

func TestHashFileLargeTier(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "large.bin", 101<<20) // just over the 100 MiB threshold
	if _, err := HashFile(path); err != nil {
		t.Fatalf("HashFile on large tier: %v", err)
	}
}

func TestHashFileTwoTierSkipsContentOnUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "f.bin", 1024)

	first, err := HashFileTwoTier(path, "")
	if err != nil {
		t.Fatalf("HashFileTwoTier: %v", err)
	}
	if !first.ContentHashed {
		t.Errorf("first call: ContentHashed = false, want true")
	}

	second, err := HashFileTwoTier(path, first.MetadataHash)
	if err != nil {
		t.Fatalf("HashFileTwoTier: %v", err)
	}
	if second.ContentHashed {
		t.Errorf("second call with unchanged metadata: ContentHashed = true, want false")
	}
}

func TestHashMetadataChangesWithMtime(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "f.bin", 10)

	h1, err := HashMetadata(path)
	if err != nil {
		t.Fatalf("HashMetadata: %v", err)
	}

	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	h2, err := HashMetadata(path)
	if err != nil {
		t.Fatalf("HashMetadata: %v", err)
	}
	if h1 == h2 {
		t.Errorf("HashMetadata did not change after mtime update")
	}
}

func TestKeyedHashDiffersByKey(t *testing.T) {
	data := []byte("hello world")
	var key [32]byte
	key[0] = 1
	keyed := KeyedHash(key, data)

	var zeroKey [32]byte
	zeroKeyed := KeyedHash(zeroKey, data)
	if keyed == zeroKeyed {
		t.Errorf("KeyedHash with different keys produced the same digest")
	}
}
