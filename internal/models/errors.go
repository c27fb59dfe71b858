package models

import (
	"context"
	"errors"
)

// Cycle failure taxonomy. Components wrap one of these with %w so the
// coordinator and the scheduler can tell retryable causes from fatal ones.
var (
	// ErrTransientNetwork means the remote API stayed unavailable after all
	// retries. The next scheduled cycle may succeed.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrValidationThreshold means too many records were rejected, which
	// usually signals a source schema change.
	ErrValidationThreshold = errors.New("validation threshold exceeded")
	// ErrStorage means the staging transaction failed and was rolled back.
	ErrStorage = errors.New("storage error")
	// ErrConfiguration means the engine cannot run with the given settings.
	ErrConfiguration = errors.New("configuration error")
	// ErrRemoteProtocol means the API answered with something that is not a
	// page of records.
	ErrRemoteProtocol = errors.New("remote protocol error")
)

// ErrorKind names the taxonomy class of err for logs, metrics and the run log.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTransientNetwork):
		return "transient_network"
	case errors.Is(err, ErrValidationThreshold):
		return "validation_threshold"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrRemoteProtocol):
		return "remote_protocol"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "unknown"
	}
}

// IsRetryable reports whether rerunning the cycle later may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork)
}
