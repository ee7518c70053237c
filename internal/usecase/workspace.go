package usecase

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/example/avocado-ripeness/internal/camera"
	"github.com/example/avocado-ripeness/internal/logging"
	"github.com/example/avocado-ripeness/internal/media"
	"github.com/example/avocado-ripeness/internal/prediction"
)

// Mode is the acquisition mode the user is in.
type Mode string

const (
	ModeUpload Mode = "upload"
	ModeCamera Mode = "camera"
)

var (
	// ErrInvalidMode is returned for modes other than upload and camera.
	ErrInvalidMode = errors.New("mode must be upload or camera")
	// ErrWrongMode is returned when an operation belongs to the other mode.
	ErrWrongMode = errors.New("operation not available in the current mode")
	// ErrNoImageSelected is returned by Predict before an upload is selected.
	ErrNoImageSelected = errors.New("no image selected")
	// ErrClosed is returned once the workspace has been closed.
	ErrClosed = errors.New("workspace closed")
)

// CameraSession is the part of camera.Session the workspace drives.
type CameraSession interface {
	Start(ctx context.Context, secure bool) error
	Capture(ctx context.Context) (*media.ImageAsset, error)
	Frame(ctx context.Context) (image.Image, error)
	Stop() error
	Status() camera.Status
}

// Predictor is the part of prediction.Machine the workspace drives.
type Predictor interface {
	Start(ctx context.Context, asset *media.ImageAsset) (string, error)
	Reset() error
	Fail(kind prediction.FailureKind, message string) error
	Snapshot() prediction.View
	Subscribe(l prediction.Listener) func()
}

// CameraState is the camera part of State.
type CameraState struct {
	Readiness  camera.Readiness `json:"readiness"`
	DeviceID   string           `json:"device_id,omitempty"`
	CanCapture bool             `json:"can_capture"`
	Reason     string           `json:"reason,omitempty"`
}

// State is everything the presentation layer renders.
type State struct {
	prediction.View
	Mode    Mode         `json:"mode"`
	Preview string       `json:"preview,omitempty"`
	Camera  *CameraState `json:"camera,omitempty"`
}

// Workspace ties one upload slot, one camera session and one prediction machine
// together. Mode switches imply a reset, and leaving camera mode always releases
// the device.
type Workspace struct {
	source  *media.Source
	upload  *media.Slot
	camera  CameraSession
	machine Predictor
	tally   *tally
	logger  *zap.Logger

	mu      sync.Mutex
	mode    Mode
	preview media.PreviewHandle
	closed  bool
	unsub   func()
}

// NewWorkspace starts in upload mode with nothing selected.
func NewWorkspace(registry *media.PreviewRegistry, source *media.Source, cam CameraSession, machine Predictor, logger *zap.Logger) *Workspace {
	named := logger.Named("workspace")
	w := &Workspace{
		source:  source,
		upload:  media.NewSlot("upload", registry, named),
		camera:  cam,
		machine: machine,
		tally:   &tally{},
		logger:  named,
		mode:    ModeUpload,
	}
	w.unsub = machine.Subscribe(w.tally.observe)
	return w
}

// ParseMode validates raw.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeUpload, ModeCamera:
		return Mode(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
}

// State returns the current observable state.
func (w *Workspace) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stateLocked()
}

func (w *Workspace) stateLocked() State {
	st := State{View: w.machine.Snapshot(), Mode: w.mode}
	if w.preview != "" {
		st.Preview = w.preview.URL()
	}
	if w.mode == ModeCamera {
		cs := w.camera.Status()
		st.Camera = &CameraState{Readiness: cs.Readiness, DeviceID: cs.DeviceID, CanCapture: cs.CanCapture()}
		if cs.Reason != nil {
			st.Camera.Reason = cs.Reason.Error()
		}
	}
	return st
}

// SwitchMode resets the machine and moves to mode. Re-entering camera mode is how
// a failed camera is retried. A camera that cannot start lands its failure in the
// prediction view.
func (w *Workspace) SwitchMode(ctx context.Context, mode Mode, secure bool) (State, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return w.State(), err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return w.stateLocked(), ErrClosed
	}
	if err := w.resetLocked(); err != nil {
		return w.stateLocked(), err
	}
	if w.mode == ModeCamera {
		w.stopCameraLocked()
	}
	w.mode = mode
	w.logger.Info("mode switched", zap.String("mode", string(mode)))

	if mode == ModeCamera {
		if err := w.camera.Start(ctx, secure); err != nil {
			message := prediction.MessageCameraUnavailable
			if errors.Is(err, camera.ErrInsecureContext) {
				message = prediction.MessageCameraInsecure
			}
			if ferr := w.machine.Fail(prediction.KindCameraUnavailable, message); ferr != nil {
				w.logger.Warn("recording camera failure failed", zap.Error(ferr))
			}
		}
	}
	return w.stateLocked(), nil
}

// SelectUpload reads an uploaded file into the upload slot, replacing and
// revoking any earlier selection. A new selection starts from Idle. It does not
// validate; Predict does.
func (w *Workspace) SelectUpload(filename, declaredType string, r io.Reader) (State, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return w.stateLocked(), ErrClosed
	}
	if w.mode != ModeUpload {
		return w.stateLocked(), ErrWrongMode
	}
	if err := w.machine.Reset(); err != nil {
		return w.stateLocked(), err
	}
	asset, err := w.source.FromFile(filename, declaredType, r)
	if err != nil {
		return w.stateLocked(), logging.NewOperationError("workspace.select_upload", "", err)
	}
	w.upload.Replace(asset)
	w.preview = asset.Preview
	return w.stateLocked(), nil
}

// DiscardUpload drops the selection and resets the machine.
func (w *Workspace) DiscardUpload() (State, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.resetLocked(); err != nil {
		return w.stateLocked(), err
	}
	return w.stateLocked(), nil
}

// Predict submits the selected upload. The submission runs in the background;
// poll State for the outcome.
func (w *Workspace) Predict(ctx context.Context) (State, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return w.stateLocked(), ErrClosed
	}
	if w.mode != ModeUpload {
		return w.stateLocked(), ErrWrongMode
	}
	asset := w.upload.Current()
	if asset == nil {
		return w.stateLocked(), ErrNoImageSelected
	}
	_, err := w.machine.Start(ctx, asset)
	return w.stateLocked(), err
}

// Capture takes a still from the live camera and submits it. The camera stays
// live for further captures.
func (w *Workspace) Capture(ctx context.Context) (State, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return w.stateLocked(), ErrClosed
	}
	if w.mode != ModeCamera {
		return w.stateLocked(), ErrWrongMode
	}
	if w.machine.Snapshot().Phase == prediction.Submitting {
		return w.stateLocked(), prediction.ErrSubmissionInFlight
	}
	asset, err := w.camera.Capture(ctx)
	if err != nil {
		return w.stateLocked(), err
	}
	w.preview = asset.Preview
	_, err = w.machine.Start(ctx, asset)
	return w.stateLocked(), err
}

// Frame returns the live camera frame.
func (w *Workspace) Frame(ctx context.Context) (image.Image, error) {
	w.mu.Lock()
	mode := w.mode
	w.mu.Unlock()
	if mode != ModeCamera {
		return nil, ErrWrongMode
	}
	return w.camera.Frame(ctx)
}

// Reset clears result, error and the selected upload.
func (w *Workspace) Reset() (State, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.resetLocked(); err != nil {
		return w.stateLocked(), err
	}
	return w.stateLocked(), nil
}

// Summary returns the submission tally since start.
func (w *Workspace) Summary() Summary {
	return w.tally.summary()
}

// Close releases the camera and every preview the workspace owns. It is safe to
// call more than once.
func (w *Workspace) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.stopCameraLocked()
	w.upload.Clear()
	w.preview = ""
	if w.unsub != nil {
		w.unsub()
	}
}

func (w *Workspace) resetLocked() error {
	if err := w.machine.Reset(); err != nil {
		return err
	}
	w.upload.Clear()
	w.preview = ""
	return nil
}

func (w *Workspace) stopCameraLocked() {
	if err := w.camera.Stop(); err != nil {
		w.logger.Warn("camera stop failed", zap.Error(err))
	}
}
