package sessionstore

import "fmt"

// Failure classes surfaced by store operations. Callers branch on the code,
// never on error text.
const (
	CodeStorage  = "storage_error"
	CodeNotFound = "not_found"
	CodeCorrupt  = "corrupt"
	CodeInvalid  = "invalid_payload"
)

// OpError is the structured failure result of a store operation.
type OpError struct {
	Code string
	Op   string
	Err  error
}

func (e *OpError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *OpError) Unwrap() error { return e.Err }

func opError(op, code string, err error) *OpError {
	return &OpError{Code: code, Op: op, Err: err}
}

// ErrCode extracts the failure class from any error returned by this
// package. Unknown errors map to CodeStorage.
func ErrCode(err error) string {
	if err == nil {
		return ""
	}
	if oe, ok := err.(*OpError); ok {
		return oe.Code
	}
	return CodeStorage
}
