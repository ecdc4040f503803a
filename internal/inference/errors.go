package inference

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/local/renewalcal/internal/ai"
)

// FailureClass is the terminal outcome of a failed inference call. Both classes
// are final for the document; nothing retries them automatically.
type FailureClass string

const (
	// ClassUnavailable covers network errors, timeouts and non-2xx replies.
	ClassUnavailable FailureClass = "inference_unavailable"
	// ClassMalformed covers replies that arrived but could not be used.
	ClassMalformed FailureClass = "inference_malformed"
)

// Failure is an inference failure with its class.
type Failure struct {
	Class FailureClass
	Err   error
}

func (f *Failure) Error() string { return fmt.Sprintf("%s: %v", f.Class, f.Err) }
func (f *Failure) Unwrap() error { return f.Err }

// IsUnavailable reports whether err is an unavailable-class failure.
func IsUnavailable(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Class == ClassUnavailable
}

// IsMalformed reports whether err is a malformed-class failure.
func IsMalformed(err error) bool {
	var f *Failure
	return errors.As(err, &f) && f.Class == ClassMalformed
}

// classify maps a provider error to a failure class. Transport errors, timeouts,
// non-2xx statuses and local request problems all mean the service could not
// be used for this document.
func classify(err error) FailureClass {
	if errors.Is(err, ai.ErrMalformedReply) {
		return ClassMalformed
	}
	return ClassUnavailable
}

// isTimeout reports whether the failure came from the per-call deadline.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
