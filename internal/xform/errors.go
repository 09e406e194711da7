package xform

import "fmt"

// Kind is one of the stable error kinds a transform can fail with.
type Kind string

// Error kinds, matching spec.md §7's table exactly.
const (
	KindSchemaMissing         Kind = "SchemaMissing"
	KindUnknownRootClass      Kind = "UnknownRootClass"
	KindEndpointSelfReference Kind = "EndpointSelfReference"
	KindDanglingReference     Kind = "DanglingReference"
	KindDuplicateCodeSpec     Kind = "DuplicateCodeSpec"
	KindSequenceOverflow      Kind = "SequenceOverflow"
	KindStatementFailure      Kind = "StatementFailure"
	KindTriggerRestoreFailure Kind = "TriggerRestoreFailure"
)

// Error wraps an underlying error with a stable Kind so callers can
// branch on failure class without parsing messages.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newErr(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapErr(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// IsKind reports whether err (or something it wraps) is an *Error of kind.
func IsKind(err error, kind Kind) bool {
	var xerr *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			xerr = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return xerr != nil && xerr.Kind == kind
}
