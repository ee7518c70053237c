package prediction

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/avocado-ripeness/internal/classifier"
	"github.com/example/avocado-ripeness/internal/logging"
	"github.com/example/avocado-ripeness/internal/media"
)

// ErrSubmissionInFlight is returned by transitions that are not allowed while
// Submitting.
var ErrSubmissionInFlight = errors.New("a submission is already in flight")

// Submitter runs one request through the classifier.
type Submitter interface {
	Submit(ctx context.Context, req media.PredictionRequest) (*classifier.Report, error)
}

// Listener receives every view change in order. It is called with the machine
// locked and must not block or call back into the Machine.
type Listener func(View)

// Machine serializes submissions: Submitting can only be entered from Idle,
// Succeeded or Failed.
type Machine struct {
	submitter Submitter
	validator media.Validator
	logger    *zap.Logger

	lifetime context.Context
	stop     context.CancelFunc
	running  sync.WaitGroup

	mu        sync.Mutex
	view      View
	listeners map[int]Listener
	nextID    int
}

// NewMachine returns an Idle machine.
func NewMachine(submitter Submitter, validator media.Validator, logger *zap.Logger) *Machine {
	lifetime, stop := context.WithCancel(context.Background())
	return &Machine{
		submitter: submitter,
		validator: validator,
		logger:    logger.Named("prediction"),
		lifetime:  lifetime,
		stop:      stop,
		view:      idleView(),
		listeners: make(map[int]Listener),
	}
}

// Start validates asset and, if it passes, enters Submitting and runs the
// pipeline in the background. It returns the submission id. Invalid assets move
// the machine to Failed and the validation error is returned. The background run
// keeps ctx values but outlives ctx; Close cancels it. The operator set with
// WithOperator is recorded on every view of the submission.
func (m *Machine) Start(ctx context.Context, asset *media.ImageAsset) (string, error) {
	operator := OperatorFrom(ctx)
	req, err := m.begin(operator, asset)
	if err != nil {
		return req.SubmissionID, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	unregister := context.AfterFunc(m.lifetime, cancel)
	m.running.Add(1)
	go func() {
		defer m.running.Done()
		defer cancel()
		defer unregister()
		report, err := m.submitter.Submit(runCtx, req)
		m.finish(req.SubmissionID, operator, report, err)
	}()
	return req.SubmissionID, nil
}

// Submit is the blocking form of Start. It returns the terminal view.
func (m *Machine) Submit(ctx context.Context, asset *media.ImageAsset) (View, error) {
	operator := OperatorFrom(ctx)
	req, err := m.begin(operator, asset)
	if err != nil {
		return m.Snapshot(), err
	}
	report, err := m.submitter.Submit(ctx, req)
	return m.finish(req.SubmissionID, operator, report, err), nil
}

func (m *Machine) begin(operator string, asset *media.ImageAsset) (media.PredictionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.view.Phase == Submitting {
		return media.PredictionRequest{}, ErrSubmissionInFlight
	}
	if asset == nil {
		return media.PredictionRequest{}, classifier.ErrNoAsset
	}

	req := media.NewPredictionRequest(uuid.NewString(), asset)
	if err := m.validator.Validate(req.Asset); err != nil {
		failure := failureFor(err)
		m.setLocked(View{Phase: Failed, Error: &failure, SubmissionID: req.SubmissionID, Operator: operator})
		logging.WithOperation(m.logger, "prediction.start", req.SubmissionID).
			Info("asset rejected", zap.String("kind", string(failure.Kind)), zap.String("operator", operator))
		return req, err
	}

	m.setLocked(View{Phase: Submitting, Loading: true, SubmissionID: req.SubmissionID, Operator: operator})
	return req, nil
}

func (m *Machine) finish(submissionID, operator string, report *classifier.Report, err error) View {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := View{SubmissionID: submissionID, Operator: operator}
	if report != nil {
		next.Attempts = len(report.Attempts)
	}
	opLogger := logging.WithOperation(m.logger, "prediction.finish", submissionID)
	if operator != "" {
		opLogger = opLogger.With(zap.String("operator", operator))
	}
	switch {
	case err == nil && report != nil && report.Result != nil:
		result := *report.Result
		next.Phase = Succeeded
		next.Result = &result
		opLogger.Info("prediction succeeded",
			zap.String("label", string(result.Label)),
			zap.Float64("confidence", result.Confidence),
			zap.Int("attempts", next.Attempts))
	default:
		if err == nil {
			err = errors.New("classifier returned no result")
		}
		failure := failureFor(err)
		next.Phase = Failed
		next.Error = &failure
		opLogger.Warn("prediction failed", zap.String("kind", string(failure.Kind)), zap.Error(err))
	}
	m.setLocked(next)
	return next
}

// Reset clears result and error. It is rejected while Submitting.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.view.Phase == Submitting {
		return ErrSubmissionInFlight
	}
	if m.view.Phase != Idle {
		m.setLocked(idleView())
	}
	return nil
}

// Fail records a failure that happened outside the pipeline, such as a camera
// that could not be opened.
func (m *Machine) Fail(kind FailureKind, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.view.Phase == Submitting {
		return ErrSubmissionInFlight
	}
	m.setLocked(View{Phase: Failed, Error: &Failure{Kind: kind, Message: message}})
	return nil
}

// Snapshot returns the current view.
func (m *Machine) Snapshot() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view
}

// Subscribe registers l and immediately calls it with the current view. The
// returned function removes it.
func (m *Machine) Subscribe(l Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	l(m.view)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Close cancels background submissions and waits for them to settle.
func (m *Machine) Close() {
	m.stop()
	m.running.Wait()
}

func (m *Machine) setLocked(v View) {
	v.Loading = v.Phase == Submitting
	m.view = v
	for _, l := range m.listeners {
		l(v)
	}
}
