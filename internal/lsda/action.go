package lsda

import "fmt"

// Kind is the disposition of a frame.
type Kind uint8

const (
	// NoAction: nothing to do in this frame, keep unwinding.
	NoAction Kind = iota
	// Cleanup: run the landing pad, then keep unwinding.
	Cleanup
	// Catch: the landing pad handles the exception; propagation stops here.
	Catch
	// Terminate: the frame cannot be unwound.
	Terminate
)

func (k Kind) String() string {
	switch k {
	case NoAction:
		return "none"
	case Cleanup:
		return "cleanup"
	case Catch:
		return "catch"
	case Terminate:
		return "terminate"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Action is the resolved disposition plus the landing pad for Cleanup and Catch.
type Action struct {
	Kind       Kind   `json:"kind"`
	LandingPad uint64 `json:"landing_pad,omitempty"`
}

func (a Action) String() string {
	switch a.Kind {
	case Cleanup, Catch:
		return fmt.Sprintf("%s(0x%x)", a.Kind, a.LandingPad)
	}
	return a.Kind.String()
}

// MarshalText lets Kind appear by name in JSON output.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// classify maps an action-table code to Cleanup (zero) or Catch.
func classify(code uint64, lpad uint64) Action {
	if code == 0 {
		return Action{Kind: Cleanup, LandingPad: lpad}
	}
	return Action{Kind: Catch, LandingPad: lpad}
}
