package errors

import (
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode identifies the reason behind a GridError
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Conflicts: the caller may re-read and retry
	ErrCodeEntryModifyConflict           ErrorCode = 1000
	ErrCodeModifyOnUncompletedGeneration ErrorCode = 1001
	ErrCodeReadExpiredGeneration         ErrorCode = 1002
	ErrCodeEntryAlreadyExists            ErrorCode = 1003
	ErrCodeEntryNotFound                 ErrorCode = 1004
	ErrCodeRetryLater                    ErrorCode = 1005

	// Forbidden: the caller must abort
	ErrCodeModifyOnUncompletedGenerationForbidden ErrorCode = 2000

	// Protocol errors: fatal to the in-flight transaction
	ErrCodeRevertGeneration ErrorCode = 3000
	ErrCodeGenerationState  ErrorCode = 3001

	// Planning errors
	ErrCodeInvalidInstanceCount ErrorCode = 4000
	ErrCodeInvalidGeneration    ErrorCode = 4001
	ErrCodePlanNotFound         ErrorCode = 4002

	// Client and server errors
	ErrCodeInvalidArgument ErrorCode = 5000
	ErrCodeStorageFailed   ErrorCode = 6000
	ErrCodeInternal        ErrorCode = 6001
)

// Category groups error codes by how the caller is expected to react
type Category string

const (
	CategoryNone      Category = "none"
	CategoryConflict  Category = "conflict"
	CategoryForbidden Category = "forbidden"
	CategoryProtocol  Category = "protocol"
	CategoryPlanning  Category = "planning"
	CategoryClient    Category = "client"
	CategoryStorage   Category = "storage"
	CategoryInternal  Category = "internal"
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                                     "OK",
	ErrCodeEntryModifyConflict:                    "ENTRY_MODIFY_CONFLICT",
	ErrCodeModifyOnUncompletedGeneration:          "MODIFY_ON_UNCOMPLETED_GENERATION",
	ErrCodeReadExpiredGeneration:                  "READ_EXPIRED_GENERATION",
	ErrCodeEntryAlreadyExists:                     "ENTRY_ALREADY_EXISTS",
	ErrCodeEntryNotFound:                          "ENTRY_NOT_FOUND",
	ErrCodeRetryLater:                             "RETRY_LATER",
	ErrCodeModifyOnUncompletedGenerationForbidden: "MODIFY_ON_UNCOMPLETED_GENERATION_FORBIDDEN",
	ErrCodeRevertGeneration:                       "REVERT_GENERATION",
	ErrCodeGenerationState:                        "GENERATION_STATE",
	ErrCodeInvalidInstanceCount:                   "INVALID_INSTANCE_COUNT",
	ErrCodeInvalidGeneration:                      "INVALID_GENERATION",
	ErrCodePlanNotFound:                           "PLAN_NOT_FOUND",
	ErrCodeInvalidArgument:                        "INVALID_ARGUMENT",
	ErrCodeStorageFailed:                          "STORAGE_FAILED",
	ErrCodeInternal:                               "INTERNAL",
}

// String returns the wire name of the code
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(c))
}

// Category returns the group the code belongs to
func (c ErrorCode) Category() Category {
	switch {
	case c == ErrCodeOK:
		return CategoryNone
	case c >= 1000 && c < 2000:
		return CategoryConflict
	case c >= 2000 && c < 3000:
		return CategoryForbidden
	case c >= 3000 && c < 4000:
		return CategoryProtocol
	case c >= 4000 && c < 5000:
		return CategoryPlanning
	case c >= 5000 && c < 6000:
		return CategoryClient
	case c == ErrCodeStorageFailed:
		return CategoryStorage
	default:
		return CategoryInternal
	}
}

// GridError is the single tagged error type returned by the grid core.
// Code carries the kind, Details the reason payload.
type GridError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *GridError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *GridError) Unwrap() error {
	return e.Cause
}

// Is matches another GridError by code, so errors.Is(err, &GridError{Code: X}) works.
func (e *GridError) Is(target error) bool {
	t, ok := target.(*GridError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ToGRPCStatus converts GridError to gRPC status
func (e *GridError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

func (e *GridError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeEntryNotFound, ErrCodePlanNotFound:
		return codes.NotFound
	case ErrCodeEntryAlreadyExists:
		return codes.AlreadyExists
	case ErrCodeRetryLater:
		return codes.Unavailable
	case ErrCodeReadExpiredGeneration:
		return codes.OutOfRange
	}

	switch e.Code.Category() {
	case CategoryConflict:
		return codes.Aborted
	case CategoryForbidden:
		return codes.FailedPrecondition
	case CategoryPlanning, CategoryClient:
		return codes.InvalidArgument
	case CategoryProtocol:
		return codes.DataLoss
	case CategoryStorage:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewGridError creates a new GridError
func NewGridError(code ErrorCode, message string, cause error) *GridError {
	return &GridError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *GridError) WithDetail(key string, value interface{}) *GridError {
	e.Details[key] = value
	return e
}

// Convenience constructors

func EntryModifyConflict(id string, activeGeneration, requestGeneration uint64, reason string) *GridError {
	return NewGridError(ErrCodeEntryModifyConflict,
		fmt.Sprintf("entry %q modified concurrently: %s", id, reason), nil).
		WithDetail("id", id).
		WithDetail("active_generation", activeGeneration).
		WithDetail("request_generation", requestGeneration)
}

// ModifyOnUncompletedGeneration reports a write on top of state that is not yet
// completed cluster-wide. strict selects the non-retryable Forbidden kind.
func ModifyOnUncompletedGeneration(id string, activeGeneration, clusterCompleted uint64, strict bool) *GridError {
	code := ErrCodeModifyOnUncompletedGeneration
	if strict {
		code = ErrCodeModifyOnUncompletedGenerationForbidden
	}
	return NewGridError(code,
		fmt.Sprintf("entry %q was created by generation %d which is not completed cluster-wide (completed %d)",
			id, activeGeneration, clusterCompleted), nil).
		WithDetail("id", id).
		WithDetail("active_generation", activeGeneration).
		WithDetail("cluster_completed_generation", clusterCompleted)
}

func ReadExpiredGeneration(readGeneration, expiredBelow uint64) *GridError {
	return NewGridError(ErrCodeReadExpiredGeneration,
		fmt.Sprintf("read generation %d is below the compacted watermark %d", readGeneration, expiredBelow), nil).
		WithDetail("read_generation", readGeneration).
		WithDetail("expired_below", expiredBelow)
}

func EntryAlreadyExists(id string, activeGeneration uint64) *GridError {
	return NewGridError(ErrCodeEntryAlreadyExists,
		fmt.Sprintf("entry %q already exists at generation %d", id, activeGeneration), nil).
		WithDetail("id", id).
		WithDetail("active_generation", activeGeneration)
}

func EntryNotFound(id string) *GridError {
	return NewGridError(ErrCodeEntryNotFound, fmt.Sprintf("entry %q not found", id), nil).
		WithDetail("id", id)
}

func RetryLater(id string, pendingGeneration uint64) *GridError {
	return NewGridError(ErrCodeRetryLater,
		fmt.Sprintf("entry %q is being committed by generation %d", id, pendingGeneration), nil).
		WithDetail("id", id).
		WithDetail("pending_generation", pendingGeneration)
}

func RevertGeneration(generation uint64, discarded int, cause error) *GridError {
	return NewGridError(ErrCodeRevertGeneration,
		fmt.Sprintf("generation %d reverted, %d versions discarded", generation, discarded), cause).
		WithDetail("generation", generation).
		WithDetail("discarded_versions", discarded)
}

func GenerationState(message string, cause error) *GridError {
	return NewGridError(ErrCodeGenerationState, message, cause)
}

func InvalidInstanceCount(count, maxCount int) *GridError {
	return NewGridError(ErrCodeInvalidInstanceCount,
		fmt.Sprintf("instance count %d must be between 1 and %d", count, maxCount), nil).
		WithDetail("count", count).
		WithDetail("max_count", maxCount)
}

func InvalidGeneration(generation int, reason string) *GridError {
	return NewGridError(ErrCodeInvalidGeneration,
		fmt.Sprintf("invalid topology generation %d: %s", generation, reason), nil).
		WithDetail("generation", generation).
		WithDetail("reason", reason)
}

func PlanNotFound(planID string) *GridError {
	return NewGridError(ErrCodePlanNotFound, fmt.Sprintf("scale plan %s not found", planID), nil).
		WithDetail("plan_id", planID)
}

func InvalidArgument(message string, cause error) *GridError {
	return NewGridError(ErrCodeInvalidArgument, message, cause)
}

func StorageFailed(message string, cause error) *GridError {
	return NewGridError(ErrCodeStorageFailed, message, cause)
}

func InternalError(message string, cause error) *GridError {
	return NewGridError(ErrCodeInternal, message, cause)
}

// AsGridError finds the first GridError in err's chain
func AsGridError(err error) (*GridError, bool) {
	var ge *GridError
	if stderrors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	if ge, ok := AsGridError(err); ok {
		return ge.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether the caller may re-read and retry
func IsRetryable(err error) bool {
	return err != nil && GetCode(err).Category() == CategoryConflict &&
		GetCode(err) != ErrCodeEntryNotFound && GetCode(err) != ErrCodeEntryAlreadyExists
}

// IsProtocol reports whether err requires an upstream rollback
func IsProtocol(err error) bool {
	return err != nil && GetCode(err).Category() == CategoryProtocol
}
