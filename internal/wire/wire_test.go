package wire

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWriteReadEnvelopeRoundTrip(t *testing.T) {
	body, err := EncodeBody(TypeHeartbeat, "worker-1", "", Heartbeat{
		WorkerId:    "worker-1",
		QueueDepth:  3,
		CPUFraction: 0.42,
	})
	if err != nil {
		t.Fatalf("EncodeBody: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteEnvelope(&buf, body); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}

	got, err := ReadEnvelope(&buf)
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if got.Type != TypeHeartbeat {
		t.Errorf("Type = %v, want %v", got.Type, TypeHeartbeat)
	}

	var hb Heartbeat
	if err := DecodeBody(got, &hb); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	want := Heartbeat{WorkerId: "worker-1", QueueDepth: 3, CPUFraction: 0.42}
	if diff := cmp.Diff(want, hb); diff != "" {
		t.Errorf("Heartbeat mismatch (-want +got):\n%s", diff)
	}
}

func TestConnSendRecv(t *testing.T) {
	var buf bytes.Buffer
	conn := NewConn(&loopback{&buf})

	env, err := EncodeBody(TypeActionRequest, "coordinator", "worker-2", ActionRequest{
		ActionId: "a1",
		TargetId: "//cmd/hello:hello",
		Command:  []string{"go", "build"},
	})
	if err != nil {
		t.Fatalf("EncodeBody: %v", err)
	}
	if err := conn.Send(env); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := conn.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	var req ActionRequest
	if err := DecodeBody(got, &req); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if req.ActionId != "a1" || req.TargetId != "//cmd/hello:hello" {
		t.Errorf("ActionRequest = %+v", req)
	}
}

func TestReadEnvelopeRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(TypeHeartbeat))
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff}) // length ~4GiB, exceeds maxPayload
	if _, err := ReadEnvelope(&buf); err == nil {
		t.Errorf("expected error for oversized frame length, got nil")
	}
}

// loopback adapts a *bytes.Buffer (Read+Write but not safe for concurrent
// use) into an io.ReadWriter for single-threaded Conn tests.
type loopback struct {
	buf *bytes.Buffer
}

func (l *loopback) Read(p []byte) (int, error)  { return l.buf.Read(p) }
func (l *loopback) Write(p []byte) (int, error) { return l.buf.Write(p) }
