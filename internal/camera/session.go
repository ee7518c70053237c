package camera

import (
	"context"
	"errors"
	"image"
	"net"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/example/avocado-ripeness/internal/logging"
	"github.com/example/avocado-ripeness/internal/media"
)

// Readiness is the lifecycle state of a Session.
type Readiness string

const (
	NotStarted Readiness = "not_started"
	Starting   Readiness = "starting"
	Ready      Readiness = "ready"
	Failed     Readiness = "failed"
)

// Status is a snapshot of the session for the presentation layer.
type Status struct {
	Readiness Readiness
	DeviceID  string
	// Reason is set in the Failed state and wraps one of ErrInsecureContext,
	// ErrPermissionDenied or ErrNoDevice.
	Reason error
}

// CanCapture reports whether a capture would be accepted.
func (s Status) CanCapture() bool { return s.Readiness == Ready }

// Session owns one device stream between Start and Stop. Stop is safe in every
// state and may be called any number of times.
type Session struct {
	provider Provider
	source   *media.Source
	captures *media.Slot
	logger   *zap.Logger

	mu         sync.Mutex
	generation uint64
	readiness  Readiness
	reason     error
	device     Device
	stream     Stream
}

// NewSession creates a session in the NotStarted state. Captured stills get
// previews in registry; the session revokes them on the next capture and on Stop.
func NewSession(provider Provider, source *media.Source, registry *media.PreviewRegistry, logger *zap.Logger) *Session {
	named := logger.Named("camera")
	return &Session{
		provider:  provider,
		source:    source,
		captures:  media.NewSlot("camera_capture", registry, named),
		logger:    named,
		readiness: NotStarted,
	}
}

// Start acquires a device. It prefers an environment-facing camera. Failures move
// the session to Failed and are returned as *UnavailableError; there is no
// automatic retry. Starting a Ready session is a no-op, and a Start that races an
// open in progress gets ErrNotReady.
func (s *Session) Start(ctx context.Context, secure bool) error {
	s.mu.Lock()
	switch s.readiness {
	case Ready:
		s.mu.Unlock()
		return nil
	case Starting:
		s.mu.Unlock()
		return ErrNotReady
	case Failed:
		err := &UnavailableError{Reason: s.reason}
		s.mu.Unlock()
		return err
	}
	if !secure {
		s.failLocked(ErrInsecureContext)
		s.mu.Unlock()
		return &UnavailableError{Reason: ErrInsecureContext}
	}
	s.readiness = Starting
	gen := s.generation
	s.mu.Unlock()

	device, stream, err := s.open(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		// Stopped while the device was opening.
		if stream != nil {
			if cerr := stream.Close(); cerr != nil {
				s.logger.Warn("closing abandoned stream failed", zap.Error(cerr))
			}
		}
		return context.Canceled
	}
	if err != nil {
		s.failLocked(err)
		return &UnavailableError{Reason: s.reason}
	}
	s.device = device
	s.stream = stream
	s.readiness = Ready
	s.logger.Info("camera ready", zap.String("device_id", device.ID()), zap.String("facing", string(device.Facing())))
	return nil
}

func (s *Session) open(ctx context.Context) (Device, Stream, error) {
	devices, err := s.provider.Devices(ctx)
	if err != nil {
		return nil, nil, err
	}
	device := preferEnvironment(devices)
	if device == nil {
		return nil, nil, ErrNoDevice
	}
	stream, err := device.Open(ctx)
	if err != nil {
		return device, nil, err
	}
	return device, stream, nil
}

func (s *Session) failLocked(err error) {
	switch {
	case errors.Is(err, ErrInsecureContext), errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrNoDevice):
	default:
		err = errors.Join(ErrNoDevice, err)
	}
	s.readiness = Failed
	s.reason = err
	s.logger.Warn("camera unavailable", zap.Error(err))
}

// Capture grabs the current frame as a PNG asset. The session stays live so
// several captures can follow one Start.
func (s *Session) Capture(ctx context.Context) (*media.ImageAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readiness != Ready {
		return nil, ErrNotReady
	}
	frame, err := s.stream.Frame(ctx)
	if err != nil {
		return nil, logging.NewOperationError("camera.capture", "", err)
	}
	asset, err := s.source.FromCapturedFrame(frame)
	if err != nil {
		return nil, logging.NewOperationError("camera.capture", "", err)
	}
	s.captures.Replace(asset)
	return asset, nil
}

// Frame returns the live frame for the preview surface.
func (s *Session) Frame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readiness != Ready {
		return nil, ErrNotReady
	}
	return s.stream.Frame(ctx)
}

// Stop releases the stream and the capture preview and returns to NotStarted.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	var err error
	if s.stream != nil {
		err = s.stream.Close()
		if err != nil {
			s.logger.Warn("closing camera stream failed", zap.Error(err))
		}
		s.logger.Info("camera released", zap.String("device_id", s.device.ID()))
	}
	s.stream = nil
	s.device = nil
	s.captures.Clear()
	s.readiness = NotStarted
	s.reason = nil
	return logging.NewOperationError("camera.stop", "", err)
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Readiness: s.readiness, Reason: s.reason}
	if s.device != nil {
		st.DeviceID = s.device.ID()
	}
	return st
}

// IsSecureContext reports whether r came over TLS (directly or through a proxy)
// or from a loopback host.
func IsSecureContext(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
