package cas

import (
	"bytes"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := []byte("hello, cas")
	hash, err := s.PutBlob(data)
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	got, err := s.GetBlob(hash)
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("GetBlob = %q, want %q", got, data)
	}
}

func TestPutBlobDedupes(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := []byte("duplicate me")
	h1, err := s.PutBlob(data)
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	h2, err := s.PutBlob(data)
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	if h1 != h2 {
		t.Errorf("identical content got different hashes: %q != %q", h1, h2)
	}
	st := s.Stats()
	if st.UniqueBlobs != 1 {
		t.Errorf("UniqueBlobs = %d, want 1", st.UniqueBlobs)
	}
	if st.TotalBlobs != 2 {
		t.Errorf("TotalBlobs = %d, want 2", st.TotalBlobs)
	}
}

func TestLargeBlobIsCompressedTransparently(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := bytes.Repeat([]byte("x"), compressThreshold*2)
	hash, err := s.PutBlob(data)
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	got, err := s.GetBlob(hash)
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("round trip mismatch for compressed blob")
	}
	st := s.Stats()
	if st.BytesOnDisk >= st.UniqueBytes {
		t.Errorf("BytesOnDisk = %d, want less than UniqueBytes = %d for repetitive compressible data", st.BytesOnDisk, st.UniqueBytes)
	}
}

func TestRefcountingAndDelete(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data := []byte("refcounted")
	hash, err := s.PutBlob(data)
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	s.AddRef(hash) // refcount now 2

	if canDelete := s.RemoveRef(hash); canDelete {
		t.Errorf("RemoveRef reported canDelete=true with refcount still positive")
	}
	if err := s.DeleteBlob(hash); err != ErrInUse {
		t.Errorf("DeleteBlob with positive refcount: err = %v, want ErrInUse", err)
	}

	if canDelete := s.RemoveRef(hash); !canDelete {
		t.Errorf("RemoveRef reported canDelete=false at refcount 0")
	}
	if err := s.DeleteBlob(hash); err != nil {
		t.Fatalf("DeleteBlob: %v", err)
	}
	if s.HasBlob(hash) {
		t.Errorf("HasBlob true after DeleteBlob")
	}
}

func TestGetBlobMissing(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.GetBlob("deadbeef"); err == nil {
		t.Errorf("GetBlob on missing hash: err = nil, want error")
	}
}

func TestOpenRecoversExistingStore(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	hash, err := s1.PutBlob([]byte("persisted"))
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	if !s2.HasBlob(hash) {
		t.Errorf("re-opened store lost knowledge of existing blob")
	}
}
