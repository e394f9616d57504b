package integrity

import (
	"testing"
	"time"
)

func TestDeriveKeyIsWorkspaceScoped(t *testing.T) {
	k1 := DeriveKey("/home/alice/work")
	k2 := DeriveKey("/home/bob/work")
	if k1 == k2 {
		t.Errorf("DeriveKey produced identical keys for different workspaces")
	}
	k1again := DeriveKey("/home/alice/work")
	if k1 != k1again {
		t.Errorf("DeriveKey not deterministic for the same workspace")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	key := DeriveKey("/ws")
	now := time.Unix(1700000000, 0)
	sd := Sign(key, []byte("cache payload"), time.Hour, now)

	payload, ok := Verify(key, sd, now.Add(time.Minute))
	if !ok {
		t.Fatalf("Verify failed on freshly signed data")
	}
	if string(payload) != "cache payload" {
		t.Errorf("payload = %q", payload)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	key := DeriveKey("/ws")
	now := time.Unix(1700000000, 0)
	sd := Sign(key, []byte("original"), time.Hour, now)
	sd.Payload = []byte("tampered")

	if _, ok := Verify(key, sd, now); ok {
		t.Errorf("Verify accepted tampered payload")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	key := DeriveKey("/ws")
	now := time.Unix(1700000000, 0)
	sd := Sign(key, []byte("data"), time.Minute, now)

	if _, ok := Verify(key, sd, now.Add(2*time.Minute)); ok {
		t.Errorf("Verify accepted expired data")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	key1 := DeriveKey("/ws1")
	key2 := DeriveKey("/ws2")
	now := time.Unix(1700000000, 0)
	sd := Sign(key1, []byte("data"), time.Hour, now)

	if _, ok := Verify(key2, sd, now); ok {
		t.Errorf("Verify accepted data signed under a different workspace key")
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	key := DeriveKey("/ws")
	now := time.Unix(1700000000, 0)
	sd := Sign(key, []byte("round trip me"), time.Hour, now)

	buf := Marshal(sd)
	got, err := Unmarshal(buf)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	payload, ok := Verify(key, got, now)
	if !ok {
		t.Fatalf("Verify after marshal round trip failed")
	}
	if string(payload) != "round trip me" {
		t.Errorf("payload = %q", payload)
	}
}

func TestUnmarshalRejectsTruncated(t *testing.T) {
	if _, err := Unmarshal([]byte{1, 2, 3}); err == nil {
		t.Errorf("Unmarshal accepted truncated input")
	}
}
