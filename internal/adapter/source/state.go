package source

// State is the lifecycle state of a FileSource.
//
//	Opening -> Reading <-> Waiting (follow only) -> Reading
//	                       Waiting -> Reopening -> Reading
//	any -> Closed (cancellation, or end of file without follow)
type State int32

const (
	StateOpening State = iota
	StateReading
	StateWaiting
	StateReopening
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateReading:
		return "reading"
	case StateWaiting:
		return "waiting"
	case StateReopening:
		return "reopening"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
