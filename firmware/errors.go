package firmware

import "fmt"

// FormatError reports a malformed firmware package or bitstream.
type FormatError struct {
	File string // Package member or "fwpkg" for the archive itself
	Msg  string
	Err  error
}

// Error implements error.
func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.File, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.File, e.Msg)
}

// Unwrap returns the underlying error.
func (e *FormatError) Unwrap() error {
	return e.Err
}
