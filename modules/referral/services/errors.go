package services

import "fmt"

// Error codes returned by the referral tree engine. NotFound and invariant
// violations are client errors; REF_TREE_BUSY is retryable by the caller;
// REF_STORAGE is a fatal storage failure propagated unchanged.
const (
	CodeInvalidBody      = "REF_INVALID_BODY"
	CodeTreeNotFound     = "REF_TREE_NOT_FOUND"
	CodeNodeNotFound     = "REF_NODE_NOT_FOUND"
	CodeEntityNotFound   = "REF_ENTITY_NOT_FOUND"
	CodeParentNotFound   = "REF_PARENT_NOT_FOUND"
	CodeDuplicateSubject = "REF_DUPLICATE_SUBJECT"
	CodeDepthExceeded    = "REF_DEPTH_EXCEEDED"
	CodeRootImmutable    = "REF_ROOT_IMMUTABLE"
	CodePositionConflict = "REF_POSITION_CONFLICT"
	CodeTreeBusy         = "REF_TREE_BUSY"
	CodeInternal         = "REF_INTERNAL"
	CodeStorage          = "REF_STORAGE"
)

type ServiceError struct {
	Status  int
	Code    string
	Message string
	Cause   error
}

func (e *ServiceError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *ServiceError) Unwrap() error { return e.Cause }

// Retryable reports whether the caller may retry the operation with backoff.
func (e *ServiceError) Retryable() bool { return e.Code == CodeTreeBusy }

func newServiceError(status int, code, message string, cause error) *ServiceError {
	return &ServiceError{Status: status, Code: code, Message: message, Cause: cause}
}
