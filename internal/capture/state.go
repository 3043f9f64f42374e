package capture

// State is the lifecycle position of a capture.
type State int

const (
	StateInit State = iota
	StateSetup
	StateCapture
	StateComplete
	StatePartial
	StateFailed
	// StateReconstructed is only reachable by importing an archive.
	StateReconstructed
)

var stateNames = map[State]string{
	StateInit:          "INIT",
	StateSetup:         "SETUP",
	StateCapture:       "CAPTURE",
	StateComplete:      "COMPLETE",
	StatePartial:       "PARTIAL",
	StateFailed:        "FAILED",
	StateReconstructed: "RECONSTRUCTED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// Exportable reports whether archives may be produced from a capture in s.
func (s State) Exportable() bool {
	return s == StateComplete || s == StatePartial || s == StateReconstructed
}

// Terminal reports whether s can no longer change.
func (s State) Terminal() bool {
	return s.Exportable() || s == StateFailed
}
