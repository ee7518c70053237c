// Package prediction holds the result state machine that the presentation layer
// renders: one loading flag, at most one result, at most one error.
package prediction

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/avocado-ripeness/internal/classifier"
	"github.com/example/avocado-ripeness/internal/media"
)

// Phase is the machine state.
type Phase string

const (
	Idle       Phase = "idle"
	Submitting Phase = "submitting"
	Succeeded  Phase = "succeeded"
	Failed     Phase = "failed"
)

// FailureKind is the user-facing error category.
type FailureKind string

const (
	KindUnsupportedType   FailureKind = "unsupported_type"
	KindTooLarge          FailureKind = "too_large"
	KindExhaustedRetries  FailureKind = "exhausted_retries"
	KindCameraUnavailable FailureKind = "camera_unavailable"
	KindCancelled         FailureKind = "cancelled"
)

const (
	MessageUnsupportedType   = "Please upload an image file (jpg, png, etc)."
	MessageExhaustedRetries  = "Failed to analyze avocado. Model might still be starting up."
	MessageCameraInsecure    = "Camera only works over HTTPS (or localhost)."
	MessageCameraUnavailable = "Cannot access camera. Please allow permission."
	MessageCancelled         = "Analysis was cancelled."
)

// Failure is what a Failed view shows. Detail carries diagnostics such as the
// remote status and body and is never the primary message.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
	Detail  string      `json:"detail,omitempty"`
}

// View is the observable tuple. Loading is true exactly while Phase is Submitting;
// Result and Error are never both set.
type View struct {
	Phase        Phase              `json:"phase"`
	Loading      bool               `json:"loading"`
	Result       *classifier.Result `json:"result"`
	Error        *Failure           `json:"error"`
	SubmissionID string             `json:"submission_id,omitempty"`
	Attempts     int                `json:"attempts,omitempty"`
	Operator     string             `json:"operator,omitempty"`
}

func idleView() View {
	return View{Phase: Idle}
}

// tooLargeMessage renders the limit in whole megabytes.
func tooLargeMessage(limit int64) string {
	mb := limit / (1024 * 1024)
	if mb < 1 {
		mb = 1
	}
	return fmt.Sprintf("File too large! Maximum size is %dMB.", mb)
}

// failureFor maps pipeline errors onto user-facing failures.
func failureFor(err error) Failure {
	var validation *media.ValidationError
	var exhausted *classifier.ExhaustedError
	switch {
	case errors.As(err, &validation):
		if validation.Kind == media.TooLarge {
			return Failure{Kind: KindTooLarge, Message: tooLargeMessage(validation.Limit), Detail: validation.Error()}
		}
		return Failure{Kind: KindUnsupportedType, Message: MessageUnsupportedType, Detail: validation.Error()}
	case errors.As(err, &exhausted):
		return Failure{Kind: KindExhaustedRetries, Message: MessageExhaustedRetries, Detail: exhausted.Error()}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Failure{Kind: KindCancelled, Message: MessageCancelled, Detail: err.Error()}
	default:
		return Failure{Kind: KindExhaustedRetries, Message: MessageExhaustedRetries, Detail: err.Error()}
	}
}
