package capture

// State is the lifecycle position of a capture session.
type State int32

// Session states. Every state other than StateIdle and StateRunning is
// terminal for the current Run.
const (
	StateIdle             State = iota // No session has run yet
	StateRunning                       // Transfers are being resubmitted
	StateCountLimit                    // The packet limit was reached
	StateBreak                         // Break was requested
	StateEndOfStream                   // A packet carried decoder.FlagLast
	StateHostReadDisabled              // The stream echoed host reads being turned off
	StateFatal                         // A transport or decode error occurred
)

// String returns the state name, also used as the metrics outcome label.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCountLimit:
		return "count_limit"
	case StateBreak:
		return "break"
	case StateEndOfStream:
		return "end_of_stream"
	case StateHostReadDisabled:
		return "host_read_disabled"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Run return codes for terminal states other than StateCountLimit, which
// returns the positive packet count.
const (
	CodeFatal            = -1
	CodeBreak            = -2
	CodeEndOfStream      = -3
	CodeHostReadDisabled = -4
)

// Code returns the Run result for a terminal state. count is returned for
// StateCountLimit.
func (s State) Code(count int) int {
	switch s {
	case StateCountLimit:
		return count
	case StateBreak:
		return CodeBreak
	case StateEndOfStream:
		return CodeEndOfStream
	case StateHostReadDisabled:
		return CodeHostReadDisabled
	default:
		return CodeFatal
	}
}
