// Package classifier submits images to the remote ripeness model with a bounded,
// strictly sequential retry loop.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/avocado-ripeness/internal/logging"
	"github.com/example/avocado-ripeness/internal/media"
)

const (
	DefaultMaxAttempts    = 5
	DefaultAttemptTimeout = 30 * time.Second
	DefaultRetryDelay     = 5 * time.Second
	DefaultFieldName      = "file"
)

// Config controls the endpoint and the retry budget. Zero or negative values
// take the defaults above.
type Config struct {
	URL            string
	FieldName      string
	MaxAttempts    int
	AttemptTimeout time.Duration
	RetryDelay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.FieldName == "" {
		c.FieldName = DefaultFieldName
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// Observer is notified about attempts and finished submissions.
type Observer interface {
	AttemptFinished(record AttemptRecord)
	SubmissionFinished(outcome Outcome, attempts int, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) AttemptFinished(AttemptRecord)                  {}
func (nopObserver) SubmissionFinished(Outcome, int, time.Duration) {}

// Report is what a submission produced: the result on success and every attempt
// in order.
type Report struct {
	SubmissionID string
	Result       *Result
	Attempts     []AttemptRecord
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client. Per-attempt timeouts are
// enforced through the request context, so the client needs no Timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clock Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithObserver registers a metrics observer.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithValidator replaces the default 5 MiB validator.
func WithValidator(v media.Validator) Option {
	return func(c *Client) { c.validator = v }
}

// Client is the submission pipeline.
type Client struct {
	cfg        Config
	httpClient *http.Client
	clock      Clock
	observer   Observer
	validator  media.Validator
	logger     *zap.Logger
}

// NewClient constructs a pipeline for cfg.URL.
func NewClient(cfg Config, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		cfg:        cfg.withDefaults(),
		httpClient: &http.Client{},
		clock:      systemClock{},
		observer:   nopObserver{},
		validator:  media.NewValidator(0),
		logger:     logger.Named("classifier"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit validates the request and then runs up to MaxAttempts sequential
// attempts separated by RetryDelay. Validation failures are returned before any
// network activity. When the budget is spent the error is an *ExhaustedError.
func (c *Client) Submit(ctx context.Context, req media.PredictionRequest) (*Report, error) {
	submissionID := req.SubmissionID
	if submissionID == "" {
		submissionID = uuid.NewString()
	}
	report := &Report{SubmissionID: submissionID}
	opLogger := logging.WithOperation(c.logger, "classifier.submit", submissionID)

	if req.Asset == nil {
		return report, ErrNoAsset
	}
	if err := c.validator.Validate(req.Asset); err != nil {
		opLogger.Info("submission rejected before upload", zap.Error(err))
		return report, err
	}

	started := c.clock.Now()
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryDelay), uint64(c.cfg.MaxAttempts-1)),
		ctx,
	)

	operation := func() error {
		record := c.attempt(ctx, len(report.Attempts)+1, req.Asset)
		report.Attempts = append(report.Attempts, record)
		c.observer.AttemptFinished(record)

		if record.Outcome == OutcomeSuccess {
			report.Result = record.Result
			if record.Number > 1 {
				opLogger.Info("classifier succeeded after retry", zap.Int("attempt", record.Number))
			}
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return &AttemptError{Record: record}
	}
	notify := func(err error, wait time.Duration) {
		opLogger.Warn("attempt failed, retrying", zap.Error(err), zap.Duration("retry_in", wait))
	}

	err := backoff.RetryNotifyWithTimer(operation, policy, notify, c.clock.NewTimer())
	elapsed := c.clock.Now().Sub(started)
	if err == nil {
		c.observer.SubmissionFinished(OutcomeSuccess, len(report.Attempts), elapsed)
		return report, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		opLogger.Warn("submission cancelled", zap.Int("attempts", len(report.Attempts)))
		return report, logging.NewOperationError("classifier.submit", submissionID, ctxErr)
	}

	last := report.Attempts[len(report.Attempts)-1]
	c.observer.SubmissionFinished(last.Outcome, len(report.Attempts), elapsed)
	exhausted := &ExhaustedError{Attempts: len(report.Attempts), Last: last}
	opLogger.Error("classifier attempts exhausted", zap.Error(exhausted))
	return report, exhausted
}

type predictResponse struct {
	Label      *string  `json:"label"`
	Confidence *float64 `json:"confidence"`
	Error      *string  `json:"error"`
}

// attempt performs one POST under its own timeout. It never returns a partially
// filled record.
func (c *Client) attempt(ctx context.Context, number int, asset *media.ImageAsset) AttemptRecord {
	startedAt := c.clock.Now()
	finish := func(r AttemptRecord) AttemptRecord {
		r.Number = number
		r.StartedAt = startedAt
		r.Elapsed = c.clock.Now().Sub(startedAt)
		return r
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	body, contentType, err := encodeMultipart(c.cfg.FieldName, asset)
	if err != nil {
		return finish(AttemptRecord{Outcome: OutcomeNetworkFailure, Err: err})
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.cfg.URL, body)
	if err != nil {
		return finish(AttemptRecord{Outcome: OutcomeNetworkFailure, Err: fmt.Errorf("build request: %w", err)})
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return finish(transportFailure(ctx, attemptCtx, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return finish(transportFailure(ctx, attemptCtx, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// An "error" field wins over the status.
		var failed predictResponse
		if json.Unmarshal(raw, &failed) == nil && failed.Error != nil {
			return finish(AttemptRecord{
				Outcome: OutcomeApplicationFailure,
				Status:  resp.StatusCode,
				Body:    string(raw),
				Message: *failed.Error,
				Err:     errors.New(*failed.Error),
			})
		}
		return finish(AttemptRecord{
			Outcome: OutcomeServerFailure,
			Status:  resp.StatusCode,
			Body:    string(raw),
			Err:     fmt.Errorf("server error: %d", resp.StatusCode),
		})
	}

	var parsed predictResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return finish(AttemptRecord{
			Outcome: OutcomeServerFailure,
			Status:  resp.StatusCode,
			Body:    string(raw),
			Err:     fmt.Errorf("decode response: %w", err),
		})
	}
	if parsed.Error != nil {
		return finish(AttemptRecord{
			Outcome: OutcomeApplicationFailure,
			Status:  resp.StatusCode,
			Message: *parsed.Error,
			Err:     errors.New(*parsed.Error),
		})
	}
	if parsed.Label == nil {
		return finish(AttemptRecord{
			Outcome: OutcomeServerFailure,
			Status:  resp.StatusCode,
			Body:    string(raw),
			Err:     errors.New("response has no label"),
		})
	}

	var confidence float64
	if parsed.Confidence != nil {
		confidence = *parsed.Confidence
	}
	result := NewResult(*parsed.Label, confidence)
	return finish(AttemptRecord{Outcome: OutcomeSuccess, Status: resp.StatusCode, Result: &result})
}

// transportFailure tells a per-attempt timeout apart from other transport errors.
func transportFailure(parent, attemptCtx context.Context, err error) AttemptRecord {
	if parent.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return AttemptRecord{Outcome: OutcomeTimedOut, Err: context.DeadlineExceeded}
	}
	return AttemptRecord{Outcome: OutcomeNetworkFailure, Err: err}
}

func encodeMultipart(field string, asset *media.ImageAsset) (io.Reader, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	filename := asset.Filename
	if filename == "" {
		filename = "upload"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	header.Set("Content-Type", asset.MimeType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := part.Write(asset.Bytes); err != nil {
		return nil, "", fmt.Errorf("write multipart part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return body, writer.FormDataContentType(), nil
}
