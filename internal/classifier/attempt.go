package classifier

import (
	"fmt"
	"time"
)

// Outcome classifies how a single attempt ended.
type Outcome string

const (
	OutcomePending            Outcome = "pending"
	OutcomeSuccess            Outcome = "success"
	OutcomeNetworkFailure     Outcome = "network_failure"
	OutcomeServerFailure      Outcome = "server_failure"
	OutcomeApplicationFailure Outcome = "application_failure"
	OutcomeTimedOut           Outcome = "timed_out"
)

// AttemptRecord describes one bounded exchange with the classifier. Records are
// built once the outcome is known and are not changed afterwards.
type AttemptRecord struct {
	Number    int
	StartedAt time.Time
	Elapsed   time.Duration
	Outcome   Outcome
	// Status and Body are set for server failures, and for application failures
	// reported with a non-2xx status.
	Status int
	Body   string
	// Message is the remote "error" field for application failures.
	Message string
	Result  *Result
	Err     error
}

func (r AttemptRecord) describe() string {
	switch r.Outcome {
	case OutcomeServerFailure:
		return fmt.Sprintf("server error: %d - %s", r.Status, r.Body)
	case OutcomeApplicationFailure:
		return fmt.Sprintf("application error: %s", r.Message)
	case OutcomeTimedOut:
		return "timed out"
	case OutcomeNetworkFailure:
		if r.Err != nil {
			return fmt.Sprintf("network error: %v", r.Err)
		}
		return "network error"
	default:
		return string(r.Outcome)
	}
}

// AttemptError is returned for a failed attempt; every kind is retried.
type AttemptError struct {
	Record AttemptRecord
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("attempt %d failed: %s", e.Record.Number, e.Record.describe())
}

func (e *AttemptError) Unwrap() error {
	return e.Record.Err
}
