package buildforge

import (
	"fmt"
	"strings"
)

// Kind identifies the category of work a Target represents.
type Kind int

const (
	KindExecutable Kind = iota
	KindLibrary
	KindTest
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindExecutable:
		return "executable"
	case KindLibrary:
		return "library"
	case KindTest:
		return "test"
	case KindCustom:
		return "custom"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// TargetId is the canonical address of a build target: a triple of
// workspace, path and name. Its canonical string form is
// "workspace//path:name". Equality is structural and the sort order is
// lexicographic on (workspace, path, name).
type TargetId struct {
	Workspace string
	Path      string
	Name      string
}

// String renders the canonical "workspace//path:name" form.
func (t TargetId) String() string {
	return t.Workspace + "//" + t.Path + ":" + t.Name
}

// MarshalText implements encoding.TextMarshaler so TargetId can be used as
// a map key in encoding/json (e.g. buildcache's persisted entry format).
func (t TargetId) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, the inverse of
// MarshalText.
func (t *TargetId) UnmarshalText(text []byte) error {
	id, err := ParseTargetId(string(text))
	if err != nil {
		return err
	}
	*t = id
	return nil
}

// Less implements the lexicographic (workspace, path, name) sort order.
func (t TargetId) Less(o TargetId) bool {
	if t.Workspace != o.Workspace {
		return t.Workspace < o.Workspace
	}
	if t.Path != o.Path {
		return t.Path < o.Path
	}
	return t.Name < o.Name
}

// ParseTargetId accepts three forms: "name", "//path:name" and
// "workspace//path:name". An empty name is rejected.
func ParseTargetId(s string) (TargetId, error) {
	var id TargetId
	rest := s

	if idx := strings.Index(rest, "//"); idx >= 0 {
		id.Workspace = rest[:idx]
		rest = rest[idx+2:]
	}

	if idx := strings.LastIndex(rest, ":"); idx >= 0 {
		id.Path = rest[:idx]
		id.Name = rest[idx+1:]
	} else {
		id.Name = rest
	}

	if id.Name == "" {
		return TargetId{}, fmt.Errorf("buildforge: invalid target id %q: empty name", s)
	}
	return id, nil
}

// Target is a declared unit of build work. Targets are immutable after
// construction; the dependency graph only ever borrows them.
type Target struct {
	Id      TargetId
	Kind    Kind
	Lang    string
	Sources []string
	Deps    []TargetId
	Env     map[string]string
	// OutputHint is a caller-suggested output path; the handler may ignore it.
	OutputHint string
	// Config carries language-specific settings opaque to the engine.
	Config map[string]string
}

// Clone returns a deep copy so callers may freely mutate maps/slices
// without affecting the graph's borrowed reference.
func (t *Target) Clone() *Target {
	c := *t
	c.Sources = append([]string(nil), t.Sources...)
	c.Deps = append([]TargetId(nil), t.Deps...)
	if t.Env != nil {
		c.Env = make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			c.Env[k] = v
		}
	}
	if t.Config != nil {
		c.Config = make(map[string]string, len(t.Config))
		for k, v := range t.Config {
			c.Config[k] = v
		}
	}
	return &c
}
