package async

import (
	"context"
	"net"
	"strings"

	"github.com/ekho-app/ekho/errors"
)

// Error taxonomy for generation jobs
var (
	// ErrValidation marks unusable input; nothing was sent anywhere
	ErrValidation = errors.New("validation error")

	// ErrPermanentSubmission marks a submission the remote service rejected or
	// never received; the job is terminal and is not retried
	ErrPermanentSubmission = errors.New("submission failed")

	// ErrTransientPoll marks a failed status check; the job keeps its state
	// and the caller may poll again
	ErrTransientPoll = errors.New("status check failed")
)

// ErrorCode represents the classification of an error
type ErrorCode string

const (
	ErrorCodeValidation ErrorCode = "validation_error"
	ErrorCodeNetwork    ErrorCode = "network_error"
	ErrorCodeTimeout    ErrorCode = "timeout"
	ErrorCodeAuth       ErrorCode = "auth_error"
	ErrorCodeQuota      ErrorCode = "quota_exceeded"
	ErrorCodeRemote     ErrorCode = "remote_error"
	ErrorCodeUnknown    ErrorCode = "unknown"
)

// ErrorContext provides structured error information for logging and responses
type ErrorContext struct {
	Stage     string    // submit, poll, upload, resolve
	Code      ErrorCode // classification
	Message   string
	Retryable bool // whether asking again might succeed
}

// ClassifyError categorizes an error by type first and message second
func ClassifyError(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{Stage: stage, Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	ec := ErrorContext{Stage: stage, Message: err.Error()}
	lower := strings.ToLower(ec.Message)

	var netErr net.Error
	switch {
	case errors.Is(err, ErrValidation):
		ec.Code = ErrorCodeValidation

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errors.ErrTimeout) ||
		strings.Contains(lower, "deadline exceeded") || strings.Contains(lower, "timeout"):
		ec.Code = ErrorCodeTimeout
		ec.Retryable = true

	case strings.Contains(lower, "status 401") || strings.Contains(lower, "status 403") ||
		strings.Contains(lower, "unauthenticated") || strings.Contains(lower, "permission"):
		ec.Code = ErrorCodeAuth

	case strings.Contains(lower, "status 429") || strings.Contains(lower, "quota") ||
		strings.Contains(lower, "resource_exhausted"):
		ec.Code = ErrorCodeQuota
		ec.Retryable = true

	case errors.As(err, &netErr) || strings.Contains(lower, "connection") ||
		strings.Contains(lower, "no such host"):
		ec.Code = ErrorCodeNetwork
		ec.Retryable = true

	case strings.Contains(lower, "status 5"):
		ec.Code = ErrorCodeRemote
		ec.Retryable = true

	case strings.Contains(lower, "status 4"):
		ec.Code = ErrorCodeRemote

	default:
		ec.Code = ErrorCodeUnknown
	}

	// the job-level policy overrides what the transport suggests
	if errors.Is(err, ErrPermanentSubmission) {
		ec.Retryable = false
	}
	if errors.Is(err, ErrTransientPoll) {
		ec.Retryable = true
	}
	return ec
}
