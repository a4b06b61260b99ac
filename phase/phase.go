package phase

import "fmt"

// Direction identifies which ordering a chain uses
type Direction int

const (
	// In is the inbound message direction
	In Direction = iota
	// Out is the outbound message direction
	Out
	// InFault is the inbound fault direction
	InFault
	// OutFault is the outbound fault direction
	OutFault
)

// String returns the direction name
func (d Direction) String() string {
	switch d {
	case In:
		return "in"
	case Out:
		return "out"
	case InFault:
		return "in-fault"
	case OutFault:
		return "out-fault"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Inbound phase names
const (
	Receive      = "receive"
	PreStream    = "pre-stream"
	UserStream   = "user-stream"
	PostStream   = "post-stream"
	Read         = "read"
	PreProtocol  = "pre-protocol"
	UserProtocol = "user-protocol"
	PostProtocol = "post-protocol"
	Unmarshal    = "unmarshal"
	PreLogical   = "pre-logical"
	UserLogical  = "user-logical"
	PostLogical  = "post-logical"
	PreInvoke    = "pre-invoke"
	Invoke       = "invoke"
	PostInvoke   = "post-invoke"
)

// Outbound-only phase names
const (
	Setup       = "setup"
	PrepareSend = "prepare-send"
	Write       = "write"
	Marshal     = "marshal"
	Send        = "send"
)

// Phase is a named stage with a fixed position in one ordering
type Phase struct {
	Name     string
	Priority int
}

// String returns the phase name
func (p Phase) String() string {
	return p.Name
}

// DefaultInPhases is the inbound ordering used by NewManager
var DefaultInPhases = []string{
	Receive,
	PreStream,
	UserStream,
	PostStream,
	Read,
	PreProtocol,
	UserProtocol,
	PostProtocol,
	Unmarshal,
	PreLogical,
	UserLogical,
	PostLogical,
	PreInvoke,
	Invoke,
	PostInvoke,
}

// DefaultOutPhases is the outbound ordering used by NewManager
var DefaultOutPhases = []string{
	Setup,
	PreLogical,
	UserLogical,
	PostLogical,
	PrepareSend,
	PreStream,
	PreProtocol,
	Write,
	Marshal,
	UserProtocol,
	PostProtocol,
	UserStream,
	PostStream,
	Send,
}

// Manager holds the fixed phase catalog for every direction.
// A Manager is immutable after construction and safe for concurrent use.
type Manager struct {
	in  []Phase
	out []Phase
}

// NewManager creates a manager with the default phase catalog
func NewManager() *Manager {
	m, _ := NewManagerWithPhases(DefaultInPhases, DefaultOutPhases)
	return m
}

// NewManagerWithPhases creates a manager with custom in and out orderings.
// Fault directions reuse the ordering of their message direction.
func NewManagerWithPhases(in, out []string) (*Manager, error) {
	inPhases, err := buildPhases(in)
	if err != nil {
		return nil, err
	}
	outPhases, err := buildPhases(out)
	if err != nil {
		return nil, err
	}
	return &Manager{in: inPhases, out: outPhases}, nil
}

func buildPhases(names []string) ([]Phase, error) {
	seen := make(map[string]bool, len(names))
	phases := make([]Phase, 0, len(names))
	for i, name := range names {
		if name == "" {
			return nil, &ConfigurationError{Op: "declare phases", Err: fmt.Errorf("empty phase name at position %d", i)}
		}
		if seen[name] {
			return nil, &ConfigurationError{Op: "declare phases", Err: fmt.Errorf("duplicate phase %q", name)}
		}
		seen[name] = true
		phases = append(phases, Phase{Name: name, Priority: i})
	}
	return phases, nil
}

// Phases returns a copy of the ordered phases for a direction
func (m *Manager) Phases(d Direction) []Phase {
	var src []Phase
	switch d {
	case In, InFault:
		src = m.in
	case Out, OutFault:
		src = m.out
	}
	phases := make([]Phase, len(src))
	copy(phases, src)
	return phases
}

// Lookup finds a phase by name in a direction
func (m *Manager) Lookup(d Direction, name string) (Phase, bool) {
	for _, p := range m.Phases(d) {
		if p.Name == name {
			return p, true
		}
	}
	return Phase{}, false
}
