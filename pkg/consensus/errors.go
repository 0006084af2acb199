package consensus

import "fmt"

// FailureCode enumerates the block and transaction validation failure
// taxonomy. Every rule function returns one of these wrapped in a
// *ValidationError so the mempool, peer scorer, and orphan pool can
// switch on cause without parsing strings.
type FailureCode string

const (
	BadHeader         FailureCode = "BadHeader"
	BadPoW            FailureCode = "BadPoW"
	BadTimestampFuture FailureCode = "BadTimestampFuture"
	BadTimestampPast  FailureCode = "BadTimestampPast"
	BadMerkleRoot     FailureCode = "BadMerkleRoot"
	OversizedBlock    FailureCode = "OversizedBlock"
	InvalidCoinbase   FailureCode = "InvalidCoinbase"
	MissingInput      FailureCode = "MissingInput"
	DoubleSpend       FailureCode = "DoubleSpend"
	ImmatureCoinbase  FailureCode = "ImmatureCoinbase"
	InsufficientInput FailureCode = "InsufficientInput"
	BadScript         FailureCode = "BadScript"
	BadSignature      FailureCode = "BadSignature"
	BadDifficulty     FailureCode = "BadDifficulty"
	UnknownParent     FailureCode = "UnknownParent"
)

// Terminal reports whether a failure is terminal for the offending
// block (all codes except UnknownParent, which parks the block in the
// orphan pool's retry/recovery rule).
func (c FailureCode) Terminal() bool { return c != UnknownParent }

type ValidationError struct {
	Code   FailureCode
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Reason) }

func failf(code FailureCode, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// AsValidationError extracts a *ValidationError from err if present.
func AsValidationError(err error) (*ValidationError, bool) {
	ve, ok := err.(*ValidationError)
	return ve, ok
}
