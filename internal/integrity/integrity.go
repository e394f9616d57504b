// Package integrity wraps persisted cache data (cache.bin, actions.bin,
// graph.bin) in signed envelopes, per SPEC_FULL.md §4.M; checkpoint.bin is
// not signed. Keys are derived per-workspace via a
// hand-rolled HKDF built on keyed lukechampine.com/blake3, the one
// deliberately hand-rolled cryptographic construction in the engine (see
// DESIGN.md) since BLAKE3 is already the spec's sole named primitive.
package integrity

import (
	"crypto/subtle"
	"encoding/binary"
	"time"

	"golang.org/x/xerrors"
	"lukechampine.com/blake3"
)

const (
	keyLen    = 32
	macLen    = 32
	infoLabel = "builder-cache-v1"
)

// DeriveKey derives a workspace-scoped signing key via HKDF-Extract-and-Expand
// built on keyed BLAKE3: Extract produces a pseudorandom key from
// workspaceAbsPath as input keying material with a fixed BLAKE3 hash as
// salt, Expand stretches it with the fixed HKDF info label, so a cache
// copied between workspaces never verifies.
func DeriveKey(workspaceAbsPath string) [keyLen]byte {
	salt := blake3.Sum256([]byte("builder-integrity-salt-v1"))
	prk := hkdfExtract(salt[:], []byte(workspaceAbsPath))
	return hkdfExpand(prk, []byte(infoLabel), keyLen)
}

// hkdfExtract implements the HKDF-Extract step: PRK = keyed-BLAKE3(salt, ikm).
func hkdfExtract(salt, ikm []byte) [keyLen]byte {
	h := blake3.New(keyLen, salt)
	h.Write(ikm)
	var out [keyLen]byte
	copy(out[:], h.Sum(nil))
	return out
}

// hkdfExpand implements the HKDF-Expand step using keyed BLAKE3 as the PRF:
// T(1) = keyed-BLAKE3(prk, info || 0x01). The engine only ever needs a
// single 32-byte output block, so this skips the multi-round T(i-1)
// chaining the full HKDF-Expand construction uses for longer outputs.
func hkdfExpand(prk [keyLen]byte, info []byte, length int) [keyLen]byte {
	h := blake3.New(keyLen, prk[:])
	h.Write(info)
	h.Write([]byte{0x01})
	var out [keyLen]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SignedData wraps a serialized payload with a keyed-BLAKE3 MAC and an
// expiry timestamp. Verify treats a tampered or expired envelope as absent
// rather than as an error: a soft failure that starts the cache fresh.
type SignedData struct {
	Payload   []byte
	MAC       [macLen]byte
	ExpiresAt int64 // unix nanoseconds
}

// Sign wraps payload, tagging it with a MAC over (payload || expiresAt) and
// an expiry ttl in the future.
func Sign(key [keyLen]byte, payload []byte, ttl time.Duration, now time.Time) SignedData {
	expires := now.Add(ttl).UnixNano()
	mac := computeMAC(key, payload, expires)
	return SignedData{Payload: payload, MAC: mac, ExpiresAt: expires}
}

// Verify checks sd's MAC in constant time and its expiry against now. ok is
// false for any tampering or expiry; callers must treat that as "cache
// absent", never as a hard error.
func Verify(key [keyLen]byte, sd SignedData, now time.Time) (payload []byte, ok bool) {
	if now.UnixNano() > sd.ExpiresAt {
		return nil, false
	}
	want := computeMAC(key, sd.Payload, sd.ExpiresAt)
	if subtle.ConstantTimeCompare(want[:], sd.MAC[:]) != 1 {
		return nil, false
	}
	return sd.Payload, true
}

func computeMAC(key [keyLen]byte, payload []byte, expiresAt int64) [macLen]byte {
	h := blake3.New(macLen, key[:])
	h.Write(payload)
	var expBuf [8]byte
	binary.BigEndian.PutUint64(expBuf[:], uint64(expiresAt))
	h.Write(expBuf[:])
	var out [macLen]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Marshal encodes sd to bytes: 8-byte expiry, 32-byte MAC, then payload.
func Marshal(sd SignedData) []byte {
	buf := make([]byte, 8+macLen+len(sd.Payload))
	binary.BigEndian.PutUint64(buf[0:8], uint64(sd.ExpiresAt))
	copy(buf[8:8+macLen], sd.MAC[:])
	copy(buf[8+macLen:], sd.Payload)
	return buf
}

// Unmarshal decodes bytes produced by Marshal.
func Unmarshal(buf []byte) (SignedData, error) {
	if len(buf) < 8+macLen {
		return SignedData{}, xerrors.Errorf("integrity: truncated signed data (%d bytes)", len(buf))
	}
	var sd SignedData
	sd.ExpiresAt = int64(binary.BigEndian.Uint64(buf[0:8]))
	copy(sd.MAC[:], buf[8:8+macLen])
	sd.Payload = append([]byte(nil), buf[8+macLen:]...)
	return sd, nil
}

// magicLen is the fixed size of the file-identifying prefix every §6 binary
// cache file (cache.bin, actions.bin, graph.bin) carries ahead of its
// SignedData envelope, distinguishing it from checkpoint.bin's own
// self-contained magic+version format.
const magicLen = 8

// ErrBadMagic is returned by Unwrap when buf's 8-byte prefix doesn't match
// the caller's expected magic.
var ErrBadMagic = xerrors.New("integrity: magic mismatch")

// ErrBadFileVersion is returned by Unwrap when the version byte following
// the magic is one this build doesn't know how to read.
var ErrBadFileVersion = xerrors.New("integrity: unsupported file version")

// Wrap prepends magic and version to sd's marshaled bytes, the common
// on-disk framing for every signed cache file.
func Wrap(magic [magicLen]byte, version byte, sd SignedData) []byte {
	body := Marshal(sd)
	buf := make([]byte, magicLen+1+len(body))
	copy(buf[:magicLen], magic[:])
	buf[magicLen] = version
	copy(buf[magicLen+1:], body)
	return buf
}

// Unwrap strips and checks the magic+version prefix Wrap adds, then decodes
// the remaining bytes as a SignedData envelope.
func Unwrap(magic [magicLen]byte, version byte, buf []byte) (SignedData, error) {
	if len(buf) < magicLen+1 {
		return SignedData{}, xerrors.Errorf("integrity: truncated file (%d bytes)", len(buf))
	}
	var gotMagic [magicLen]byte
	copy(gotMagic[:], buf[:magicLen])
	if gotMagic != magic {
		return SignedData{}, ErrBadMagic
	}
	if buf[magicLen] != version {
		return SignedData{}, ErrBadFileVersion
	}
	return Unmarshal(buf[magicLen+1:])
}
