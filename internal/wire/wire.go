// Package wire implements the coordinator/worker RPC framing fixed by
// SPEC_FULL.md §6: a 1-byte message type, a 4-byte big-endian length
// prefix, and a payload. Deliberately not gRPC/protobuf (see DESIGN.md) even
// though the teacher repository depends on both, because the format itself
// is part of the specification rather than an implementation choice.
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"

	"golang.org/x/xerrors"
)

// Type identifies the kind of message carried in an Envelope.
type Type byte

const (
	TypeRegistration Type = iota + 1
	TypeHeartbeat
	TypeWorkRequest
	TypeActionRequest
	TypeActionResult
	TypePeerAnnounce
	TypeStealRequest
	TypeStealResponse
)

func (t Type) String() string {
	switch t {
	case TypeRegistration:
		return "registration"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeWorkRequest:
		return "work-request"
	case TypeActionRequest:
		return "action-request"
	case TypeActionResult:
		return "action-result"
	case TypePeerAnnounce:
		return "peer-announce"
	case TypeStealRequest:
		return "steal-request"
	case TypeStealResponse:
		return "steal-response"
	default:
		return "unknown"
	}
}

// maxPayload bounds a single frame's payload to guard against a corrupt or
// malicious length prefix forcing an unbounded allocation.
const maxPayload = 256 << 20 // 256 MiB

// Envelope is one framed message: sender/receiver worker ids, a Type, and a
// JSON-encoded payload of the type-specific body.
type Envelope struct {
	Type     Type
	SenderId string
	PeerId   string
	Body     json.RawMessage
}

// bufPool reuses the length-prefix scratch buffer across Write/Read calls,
// following the sync.Pool buffer-reuse pattern the teacher applies to its
// build and meta textproto buffers.
var bufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 5)
		return &b
	},
}

// Registration is the body of a TypeRegistration message: a worker
// announcing itself to the coordinator.
type Registration struct {
	WorkerId string `json:"worker_id"`
	Capacity int    `json:"capacity"`
	Address  string `json:"address"`
}

// Heartbeat is the body of a TypeHeartbeat message.
type Heartbeat struct {
	WorkerId    string  `json:"worker_id"`
	QueueDepth  int     `json:"queue_depth"`
	CPUFraction float64 `json:"cpu_fraction"`
}

// WorkRequest is the body of a TypeWorkRequest message: a worker asking the
// coordinator for an action to execute.
type WorkRequest struct {
	WorkerId string `json:"worker_id"`
}

// ActionRequest is the body of a TypeActionRequest message: the coordinator
// dispatching a single action to a worker.
type ActionRequest struct {
	ActionId    string            `json:"action_id"`
	TargetId    string            `json:"target_id"`
	Command     []string          `json:"command"`
	Env         map[string]string `json:"env,omitempty"`
	InputHashes map[string]string `json:"input_hashes,omitempty"`
}

// ActionResult is the body of a TypeActionResult message.
type ActionResult struct {
	ActionId   string   `json:"action_id"`
	Success    bool     `json:"success"`
	ExitCode   int      `json:"exit_code"`
	Stdout     string   `json:"stdout,omitempty"`
	Stderr     string   `json:"stderr,omitempty"`
	OutputHash string   `json:"output_hash,omitempty"`
	Error      string   `json:"error,omitempty"`
	DurationMs int64    `json:"duration_ms"`
	OutputKeys []string `json:"output_keys,omitempty"`
}

// PeerAnnounce describes one other worker a recipient can steal from
// directly.
type PeerAnnounce struct {
	PeerId  string `json:"peer_id"`
	Address string `json:"address"`
}

// PeerList is the body of a TypePeerAnnounce message: the coordinator's
// reply to a worker's Heartbeat, carrying every other worker it can steal
// from directly. PeerAnnounce is "re-exchanged periodically" (SPEC_FULL.md
// §4.H) by piggybacking it on the heartbeat round trip rather than a
// separate push, since this wire profile has no unsolicited
// coordinator-to-worker direction on a connection the worker also uses for
// synchronous request/response calls (WorkRequest, in particular).
type PeerList struct {
	Peers []PeerAnnounce `json:"peers"`
}

// StealRequest/StealResponse carry work-stealing traffic between workers
// directly, bypassing the coordinator.
type StealRequest struct {
	FromWorkerId string `json:"from_worker_id"`
}

type StealResponse struct {
	Granted bool            `json:"granted"`
	Action  *ActionRequest  `json:"action,omitempty"`
}

// WriteEnvelope frames env as type byte + 4-byte big-endian length + JSON
// payload and writes it to w.
func WriteEnvelope(w io.Writer, env *Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return xerrors.Errorf("wire: marshal envelope: %w", err)
	}
	if len(payload) > maxPayload {
		return xerrors.Errorf("wire: payload of %d bytes exceeds max %d", len(payload), maxPayload)
	}

	hdr := bufPool.Get().(*[]byte)
	defer bufPool.Put(hdr)
	(*hdr)[0] = byte(env.Type)
	binary.BigEndian.PutUint32((*hdr)[1:5], uint32(len(payload)))

	if _, err := w.Write(*hdr); err != nil {
		return xerrors.Errorf("wire: write header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return xerrors.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// ReadEnvelope reads one framed message from r. It is safe to call
// repeatedly on a buffered r to drain a stream of envelopes.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	hdr := bufPool.Get().(*[]byte)
	defer bufPool.Put(hdr)

	if _, err := io.ReadFull(r, *hdr); err != nil {
		return nil, xerrors.Errorf("wire: read header: %w", err)
	}
	typ := Type((*hdr)[0])
	n := binary.BigEndian.Uint32((*hdr)[1:5])
	if n > maxPayload {
		return nil, xerrors.Errorf("wire: frame length %d exceeds max %d", n, maxPayload)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, xerrors.Errorf("wire: read payload: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, xerrors.Errorf("wire: unmarshal envelope: %w", err)
	}
	env.Type = typ
	return &env, nil
}

// Conn wraps a bufio.Reader/Writer pair for repeated envelope exchange over
// a single connection, matching the buffered-stream handling the teacher
// uses around its FUSE control socket.
type Conn struct {
	r *bufio.Reader
	w *bufio.Writer
}

// NewConn wraps rw for framed envelope traffic.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{r: bufio.NewReader(rw), w: bufio.NewWriter(rw)}
}

// Send writes env and flushes the underlying writer.
func (c *Conn) Send(env *Envelope) error {
	if err := WriteEnvelope(c.w, env); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv reads the next envelope.
func (c *Conn) Recv() (*Envelope, error) {
	return ReadEnvelope(c.r)
}

// DecodeBody unmarshals env.Body into dst, a pointer to one of the typed
// body structs above.
func DecodeBody(env *Envelope, dst interface{}) error {
	if err := json.Unmarshal(env.Body, dst); err != nil {
		return xerrors.Errorf("wire: decode body for %s: %w", env.Type, err)
	}
	return nil
}

// EncodeBody marshals body and builds an Envelope of the given type.
func EncodeBody(typ Type, senderId, peerId string, body interface{}) (*Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, xerrors.Errorf("wire: encode body for %s: %w", typ, err)
	}
	return &Envelope{Type: typ, SenderId: senderId, PeerId: peerId, Body: raw}, nil
}
