package matchdto

import "errors"

// Error codes shared across the match service surface. Clients treat
// not_found and policy_violation as expected outcomes, not failures.
const (
	CodeNotFound        = "not_found"
	CodeInvalidState    = "invalid_state"
	CodePolicyViolation = "policy_violation"
	CodeConflict        = "conflict"
	CodeUnreachable     = "unreachable"
)

type DomainError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return e.Code
	}
	return "match service error"
}

func NotFound(msg string) error {
	return DomainError{Code: CodeNotFound, Message: msg}
}

func InvalidState(msg string) error {
	return DomainError{Code: CodeInvalidState, Message: msg}
}

func PolicyViolation(msg string) error {
	return DomainError{Code: CodePolicyViolation, Message: msg}
}

func Conflict(msg string) error {
	return DomainError{Code: CodeConflict, Message: msg}
}

func Unreachable(msg string) error {
	return DomainError{Code: CodeUnreachable, Message: msg, Retryable: true}
}

// CodeOf extracts the taxonomy code from err, or "" when err is not a
// DomainError.
func CodeOf(err error) string {
	var de DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code string) bool { return CodeOf(err) == code }
