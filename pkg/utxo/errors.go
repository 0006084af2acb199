package utxo

import "fmt"

// ErrorCode enumerates the UTXO set's failure modes. Kept as a
// small typed sum, matching pkg/consensus/errors.go's FailureCode
// pattern, rather than string-matched fmt.Errorf values.
type ErrorCode string

const (
	DuplicateOutpoint ErrorCode = "DuplicateOutpoint"
	IoError           ErrorCode = "IoError"
	Corruption        ErrorCode = "Corruption"
)

type Error struct {
	Code   ErrorCode
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("utxo: %s: %s", e.Code, e.Reason) }

func errf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// AsError extracts a *Error from err if present.
func AsError(err error) (*Error, bool) {
	ue, ok := err.(*Error)
	return ue, ok
}
