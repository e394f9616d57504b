package buildforge

import "testing"

func TestParseTargetId(t *testing.T) {
	for _, tt := range []struct {
		in      string
		want    TargetId
		wantErr bool
	}{
		{
			in:   "hello",
			want: TargetId{Name: "hello"},
		},
		{
			in:   "//cmd/hello:hello",
			want: TargetId{Path: "cmd/hello", Name: "hello"},
		},
		{
			in:   "myworkspace//cmd/hello:hello",
			want: TargetId{Workspace: "myworkspace", Path: "cmd/hello", Name: "hello"},
		},
		{
			in:      "",
			wantErr: true,
		},
		{
			in:      "myworkspace//cmd/hello:",
			wantErr: true,
		},
	} {
		got, err := ParseTargetId(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseTargetId(%q): got nil error, want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTargetId(%q): unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTargetId(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestTargetIdRoundTrip(t *testing.T) {
	for _, id := range []TargetId{
		{Name: "hello"},
		{Path: "cmd/hello", Name: "hello"},
		{Workspace: "ws", Path: "cmd/hello", Name: "hello"},
	} {
		got, err := ParseTargetId(id.String())
		if err != nil {
			t.Fatalf("ParseTargetId(%q): %v", id.String(), err)
		}
		if got != id {
			t.Errorf("round trip mismatch: %+v -> %q -> %+v", id, id.String(), got)
		}
	}
}

func TestTargetIdLess(t *testing.T) {
	a := TargetId{Workspace: "a", Path: "p", Name: "n"}
	b := TargetId{Workspace: "b", Path: "p", Name: "n"}
	if !a.Less(b) {
		t.Errorf("expected %v < %v", a, b)
	}
	if b.Less(a) {
		t.Errorf("expected %v not < %v", b, a)
	}
}
