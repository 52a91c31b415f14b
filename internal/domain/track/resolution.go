package track

// ResolutionState tags the resolution variant of a Reference.
type ResolutionState int

const (
	StatePending ResolutionState = iota
	StateResolving
	StateResolved
	StateFailed
)

// String returns the string representation of the state.
func (s ResolutionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolving:
		return "resolving"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Resolution is the sealed set of Pending, Resolving, Resolved and Failed.
type Resolution interface {
	State() ResolutionState
	sealed()
}

// Pending means the reference has not been looked at yet.
type Pending struct{}

// Resolving means a resolution is in progress.
type Resolving struct{}

// Resolved carries the metadata; it cannot exist without it.
type Resolved struct {
	Metadata Metadata
}

// Failed carries the reason the reference could not be resolved or played.
type Failed struct {
	Reason error
}

func (Pending) State() ResolutionState   { return StatePending }
func (Resolving) State() ResolutionState { return StateResolving }
func (Resolved) State() ResolutionState  { return StateResolved }
func (Failed) State() ResolutionState    { return StateFailed }

func (Pending) sealed()   {}
func (Resolving) sealed() {}
func (Resolved) sealed()  {}
func (Failed) sealed()    {}
