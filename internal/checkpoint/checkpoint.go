// Package checkpoint implements serialization and resume of partial build
// state (SPEC_FULL.md §4.L): a versioned binary blob that cmd/forge writes
// at the end of a build and when an interrupt arrives (not on an interval
// during the build), atomically via github.com/google/renameio exactly as the
// build/action caches write their own files, letting a subsequent invocation
// skip targets already known Success or Cached.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"os"
	"time"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/buildforge/buildforge"
	"github.com/buildforge/buildforge/internal/berrors"
	"github.com/buildforge/buildforge/internal/depgraph"
)

// magic identifies a checkpoint.bin file; version allows the format to
// evolve without silently misparsing an old file.
var magic = [4]byte{'C', 'K', 'P', 'T'}

const version byte = 1

// maxStaleness is how old a checkpoint may be before Load flags it stale
// (§4.L). Load still returns a stale checkpoint; it does not refuse it.
const maxStaleness = 24 * time.Hour

// Checkpoint is the serializable partial-build state.
type Checkpoint struct {
	WorkspaceRoot    string
	Timestamp        time.Time
	TotalTargets     int
	CompletedTargets int
	FailedTargetIds  []buildforge.TargetId
	NodeStates       map[buildforge.TargetId]depgraph.Status
	NodeHashes       map[buildforge.TargetId]string
}

// Capture snapshots g's current state into a Checkpoint for workspaceRoot.
func Capture(workspaceRoot string, g *depgraph.Graph) *Checkpoint {
	cp := &Checkpoint{
		WorkspaceRoot: workspaceRoot,
		Timestamp:     time.Now(),
		NodeStates:    make(map[buildforge.TargetId]depgraph.Status),
		NodeHashes:    make(map[buildforge.TargetId]string),
	}
	for _, id := range g.Targets() {
		n, ok := g.Node(id)
		if !ok {
			continue
		}
		cp.TotalTargets++
		status := n.Status()
		cp.NodeStates[id] = status
		if status == depgraph.StatusSuccess || status == depgraph.StatusCached {
			cp.CompletedTargets++
			cp.NodeHashes[id] = n.OutputHash()
		}
		if status == depgraph.StatusFailed {
			cp.FailedTargetIds = append(cp.FailedTargetIds, id)
		}
	}
	return cp
}

// writeString writes a length-prefixed UTF-8 string.
func writeString(buf *bytes.Buffer, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var n [4]byte
	if _, err := r.Read(n[:]); err != nil {
		return "", err
	}
	ln := binary.BigEndian.Uint32(n[:])
	b := make([]byte, ln)
	if _, err := r.Read(b); err != nil && ln > 0 {
		return "", err
	}
	return string(b), nil
}

func writeTargetId(buf *bytes.Buffer, id buildforge.TargetId) {
	writeString(buf, id.Workspace)
	writeString(buf, id.Path)
	writeString(buf, id.Name)
}

func readTargetId(r *bytes.Reader) (buildforge.TargetId, error) {
	ws, err := readString(r)
	if err != nil {
		return buildforge.TargetId{}, err
	}
	path, err := readString(r)
	if err != nil {
		return buildforge.TargetId{}, err
	}
	name, err := readString(r)
	if err != nil {
		return buildforge.TargetId{}, err
	}
	return buildforge.TargetId{Workspace: ws, Path: path, Name: name}, nil
}

// Marshal encodes cp to the §6 binary format: 4-byte magic, 1-byte version,
// workspace root, Unix timestamp, counts, then typed records.
func Marshal(cp *Checkpoint) []byte {
	var buf bytes.Buffer
	buf.Write(magic[:])
	buf.WriteByte(version)
	writeString(&buf, cp.WorkspaceRoot)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(cp.Timestamp.Unix()))
	buf.Write(ts[:])

	var counts [8]byte
	binary.BigEndian.PutUint32(counts[0:4], uint32(cp.TotalTargets))
	binary.BigEndian.PutUint32(counts[4:8], uint32(cp.CompletedTargets))
	buf.Write(counts[:])

	var nStates [4]byte
	binary.BigEndian.PutUint32(nStates[:], uint32(len(cp.NodeStates)))
	buf.Write(nStates[:])
	for id, status := range cp.NodeStates {
		writeTargetId(&buf, id)
		buf.WriteByte(byte(status))
	}

	var nHashes [4]byte
	binary.BigEndian.PutUint32(nHashes[:], uint32(len(cp.NodeHashes)))
	buf.Write(nHashes[:])
	for id, h := range cp.NodeHashes {
		writeTargetId(&buf, id)
		writeString(&buf, h)
	}

	var nFailed [4]byte
	binary.BigEndian.PutUint32(nFailed[:], uint32(len(cp.FailedTargetIds)))
	buf.Write(nFailed[:])
	for _, id := range cp.FailedTargetIds {
		writeTargetId(&buf, id)
	}

	return buf.Bytes()
}

// ErrMagicMismatch is returned by Unmarshal for a file that isn't a
// checkpoint at all.
var ErrMagicMismatch = xerrors.New("checkpoint: magic mismatch")

// ErrVersionMismatch is returned by Unmarshal for a checkpoint written by an
// incompatible format version.
var ErrVersionMismatch = xerrors.New("checkpoint: version mismatch")

// Unmarshal decodes bytes produced by Marshal.
func Unmarshal(data []byte) (*Checkpoint, error) {
	r := bytes.NewReader(data)
	var m [4]byte
	if _, err := r.Read(m[:]); err != nil {
		return nil, berrors.Wrap(berrors.CacheCorrupted, "checkpoint: read magic", err)
	}
	if m != magic {
		return nil, berrors.Wrap(berrors.CacheCorrupted, "checkpoint: bad magic", ErrMagicMismatch)
	}
	v, err := r.ReadByte()
	if err != nil {
		return nil, berrors.Wrap(berrors.CacheCorrupted, "checkpoint: read version", err)
	}
	if v != version {
		return nil, berrors.Wrap(berrors.CacheCorrupted, "checkpoint: unsupported version", ErrVersionMismatch)
	}

	cp := &Checkpoint{NodeStates: make(map[buildforge.TargetId]depgraph.Status), NodeHashes: make(map[buildforge.TargetId]string)}
	cp.WorkspaceRoot, err = readString(r)
	if err != nil {
		return nil, berrors.Wrap(berrors.CacheCorrupted, "checkpoint: read workspace root", err)
	}

	var ts [8]byte
	if _, err := r.Read(ts[:]); err != nil {
		return nil, berrors.Wrap(berrors.CacheCorrupted, "checkpoint: read timestamp", err)
	}
	cp.Timestamp = time.Unix(int64(binary.BigEndian.Uint64(ts[:])), 0)

	var counts [8]byte
	if _, err := r.Read(counts[:]); err != nil {
		return nil, berrors.Wrap(berrors.CacheCorrupted, "checkpoint: read counts", err)
	}
	cp.TotalTargets = int(binary.BigEndian.Uint32(counts[0:4]))
	cp.CompletedTargets = int(binary.BigEndian.Uint32(counts[4:8]))

	var nStates [4]byte
	if _, err := r.Read(nStates[:]); err != nil {
		return nil, berrors.Wrap(berrors.CacheCorrupted, "checkpoint: read node state count", err)
	}
	for i := uint32(0); i < binary.BigEndian.Uint32(nStates[:]); i++ {
		id, err := readTargetId(r)
		if err != nil {
			return nil, berrors.Wrap(berrors.CacheCorrupted, "checkpoint: read node state id", err)
		}
		b, err := r.ReadByte()
		if err != nil {
			return nil, berrors.Wrap(berrors.CacheCorrupted, "checkpoint: read node status", err)
		}
		cp.NodeStates[id] = depgraph.Status(b)
	}

	var nHashes [4]byte
	if _, err := r.Read(nHashes[:]); err != nil {
		return nil, berrors.Wrap(berrors.CacheCorrupted, "checkpoint: read node hash count", err)
	}
	for i := uint32(0); i < binary.BigEndian.Uint32(nHashes[:]); i++ {
		id, err := readTargetId(r)
		if err != nil {
			return nil, berrors.Wrap(berrors.CacheCorrupted, "checkpoint: read node hash id", err)
		}
		h, err := readString(r)
		if err != nil {
			return nil, berrors.Wrap(berrors.CacheCorrupted, "checkpoint: read node hash", err)
		}
		cp.NodeHashes[id] = h
	}

	var nFailed [4]byte
	if _, err := r.Read(nFailed[:]); err != nil {
		return nil, berrors.Wrap(berrors.CacheCorrupted, "checkpoint: read failed count", err)
	}
	for i := uint32(0); i < binary.BigEndian.Uint32(nFailed[:]); i++ {
		id, err := readTargetId(r)
		if err != nil {
			return nil, berrors.Wrap(berrors.CacheCorrupted, "checkpoint: read failed id", err)
		}
		cp.FailedTargetIds = append(cp.FailedTargetIds, id)
	}

	return cp, nil
}

// Write atomically persists cp to path.
func Write(path string, cp *Checkpoint) error {
	if err := renameio.WriteFile(path, Marshal(cp), 0o644); err != nil {
		return berrors.Wrap(berrors.CacheSaveFailed, "checkpoint: write", err)
	}
	return nil
}

// Load reads and decodes the checkpoint at path. stale reports whether it is
// older than the 24h staleness window. A stale checkpoint is returned like
// any other; forge resume logs a warning and resumes from it without asking
// for confirmation.
func Load(path string) (cp *Checkpoint, stale bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, berrors.Wrap(berrors.CacheLoadFailed, "checkpoint: read file", err)
	}
	cp, err = Unmarshal(data)
	if err != nil {
		return nil, false, err
	}
	stale = time.Since(cp.Timestamp) > maxStaleness
	return cp, stale, nil
}

// Validate checks cp against the freshly rebuilt graph g: every
// checkpoint-known target must exist in g, per §4.L step 3.
func Validate(cp *Checkpoint, g *depgraph.Graph) error {
	for id := range cp.NodeStates {
		if _, ok := g.Node(id); !ok {
			return berrors.Newf(berrors.GraphNodeNotFound, "checkpoint: target %s from checkpoint not found in rebuilt graph; clean and rebuild", id)
		}
	}
	return nil
}

// Merge applies cp onto g: every Success/Cached node in cp is restored to
// that status (with its output hash) in g so the scheduler skips it; Failed
// and Pending nodes are left for the scheduler to (re)build.
func Merge(cp *Checkpoint, g *depgraph.Graph) {
	for id, status := range cp.NodeStates {
		if status != depgraph.StatusSuccess && status != depgraph.StatusCached {
			continue
		}
		n, ok := g.Node(id)
		if !ok {
			continue
		}
		n.SetStatus(status)
		if h, ok := cp.NodeHashes[id]; ok {
			n.SetOutputHash(h)
		}
	}
}
