package camera

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/example/avocado-ripeness/internal/media"
)

type stubStream struct {
	mu     sync.Mutex
	frame  image.Image
	err    error
	closed int
}

func (s *stubStream) Frame(context.Context) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed > 0 {
		return nil, ErrStreamClosed
	}
	return s.frame, s.err
}

func (s *stubStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

type stubDevice struct {
	id      string
	facing  Facing
	stream  *stubStream
	openErr error
	opened  int
}

func (d *stubDevice) ID() string     { return d.id }
func (d *stubDevice) Facing() Facing { return d.facing }

func (d *stubDevice) Open(context.Context) (Stream, error) {
	d.opened++
	if d.openErr != nil {
		return nil, d.openErr
	}
	return d.stream, nil
}

func solidFrame(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 60, G: 120, B: 40, A: 255})
		}
	}
	return img
}

func newTestSession(t *testing.T, devices ...Device) (*Session, *media.PreviewRegistry) {
	t.Helper()
	registry := media.NewPreviewRegistry(zap.NewNop())
	return NewSession(StaticProvider(devices), media.NewSource(registry), registry, zap.NewNop()), registry
}

func TestStartPrefersEnvironmentFacing(t *testing.T) {
	front := &stubDevice{id: "front", facing: FacingUser, stream: &stubStream{frame: solidFrame(4, 4)}}
	rear := &stubDevice{id: "rear", facing: FacingEnvironment, stream: &stubStream{frame: solidFrame(4, 4)}}
	session, _ := newTestSession(t, front, rear)

	if err := session.Start(context.Background(), true); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	status := session.Status()
	if status.Readiness != Ready || status.DeviceID != "rear" {
		t.Fatalf("expected ready on rear, got %+v", status)
	}
	if front.opened != 0 {
		t.Fatalf("front camera should not be opened")
	}
}

func TestStartFallsBackToFirstDevice(t *testing.T) {
	only := &stubDevice{id: "webcam", facing: FacingUnknown, stream: &stubStream{frame: solidFrame(2, 2)}}
	session, _ := newTestSession(t, only)

	if err := session.Start(context.Background(), true); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if got := session.Status().DeviceID; got != "webcam" {
		t.Fatalf("expected webcam, got %q", got)
	}
}

func TestStartFailures(t *testing.T) {
	tests := []struct {
		name    string
		secure  bool
		devices []Device
		want    error
	}{
		{name: "insecure context", secure: false, devices: []Device{&stubDevice{id: "a", stream: &stubStream{}}}, want: ErrInsecureContext},
		{name: "permission denied", secure: true, devices: []Device{&stubDevice{id: "a", openErr: ErrPermissionDenied}}, want: ErrPermissionDenied},
		{name: "no device", secure: true, want: ErrNoDevice},
		{name: "other open error", secure: true, devices: []Device{&stubDevice{id: "a", openErr: errors.New("busy")}}, want: ErrNoDevice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, _ := newTestSession(t, tt.devices...)
			err := session.Start(context.Background(), tt.secure)

			var unavailable *UnavailableError
			if !errors.As(err, &unavailable) {
				t.Fatalf("expected UnavailableError, got %v", err)
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			status := session.Status()
			if status.Readiness != Failed || status.CanCapture() {
				t.Fatalf("expected failed state without capture, got %+v", status)
			}
			if _, err := session.Capture(context.Background()); !errors.Is(err, ErrNotReady) {
				t.Fatalf("expected ErrNotReady from capture, got %v", err)
			}
		})
	}
}

func TestFailedSessionDoesNotRetryUntilStopped(t *testing.T) {
	device := &stubDevice{id: "a", openErr: ErrPermissionDenied}
	session, _ := newTestSession(t, device)

	_ = session.Start(context.Background(), true)
	if err := session.Start(context.Background(), true); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected sticky failure, got %v", err)
	}
	if device.opened != 1 {
		t.Fatalf("expected one open attempt, got %d", device.opened)
	}

	device.openErr = nil
	device.stream = &stubStream{frame: solidFrame(2, 2)}
	if err := session.Stop(); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	if err := session.Start(context.Background(), true); err != nil {
		t.Fatalf("expected restart to succeed, got %v", err)
	}
}

func TestCaptureProducesNativeResolutionPNG(t *testing.T) {
	stream := &stubStream{frame: solidFrame(64, 48)}
	session, registry := newTestSession(t, &stubDevice{id: "rear", facing: FacingEnvironment, stream: stream})
	if err := session.Start(context.Background(), true); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	asset, err := session.Capture(context.Background())
	if err != nil {
		t.Fatalf("unexpected capture error: %v", err)
	}
	if asset.MimeType != "image/png" {
		t.Fatalf("expected image/png, got %q", asset.MimeType)
	}
	decoded, err := png.Decode(bytes.NewReader(asset.Bytes))
	if err != nil {
		t.Fatalf("capture is not a PNG: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
		t.Fatalf("expected 64x48, got %dx%d", b.Dx(), b.Dy())
	}
	if registry.Live() != 1 {
		t.Fatalf("expected one live preview, got %d", registry.Live())
	}
	if session.Status().Readiness != Ready {
		t.Fatalf("session should stay live after capture")
	}
}

func TestRepeatedCapturesRevokePreviousPreview(t *testing.T) {
	session, registry := newTestSession(t, &stubDevice{id: "rear", facing: FacingEnvironment, stream: &stubStream{frame: solidFrame(8, 8)}})
	_ = session.Start(context.Background(), true)

	first, err := session.Capture(context.Background())
	if err != nil {
		t.Fatalf("unexpected capture error: %v", err)
	}
	if _, err := session.Capture(context.Background()); err != nil {
		t.Fatalf("unexpected capture error: %v", err)
	}
	if _, _, err := registry.Open(first.Preview); !errors.Is(err, media.ErrPreviewNotFound) {
		t.Fatalf("expected first preview revoked, got %v", err)
	}
	if registry.Live() != 1 {
		t.Fatalf("expected one live preview, got %d", registry.Live())
	}
}

func TestStopReleasesStreamAndPreviewAndIsIdempotent(t *testing.T) {
	stream := &stubStream{frame: solidFrame(8, 8)}
	session, registry := newTestSession(t, &stubDevice{id: "rear", facing: FacingEnvironment, stream: stream})
	_ = session.Start(context.Background(), true)
	if _, err := session.Capture(context.Background()); err != nil {
		t.Fatalf("unexpected capture error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := session.Stop(); err != nil {
			t.Fatalf("stop %d: unexpected error: %v", i, err)
		}
	}
	if stream.closed != 1 {
		t.Fatalf("expected stream closed once, got %d", stream.closed)
	}
	if registry.Live() != 0 {
		t.Fatalf("expected no live previews, got %d", registry.Live())
	}
	if session.Status().Readiness != NotStarted {
		t.Fatalf("expected not_started after stop, got %s", session.Status().Readiness)
	}
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	session, _ := newTestSession(t)
	if err := session.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

type blockingDevice struct {
	release chan struct{}
	stream  *stubStream
}

func (d *blockingDevice) ID() string     { return "slow" }
func (d *blockingDevice) Facing() Facing { return FacingEnvironment }

func (d *blockingDevice) Open(context.Context) (Stream, error) {
	<-d.release
	return d.stream, nil
}

func TestStopDuringStartClosesLateStream(t *testing.T) {
	device := &blockingDevice{release: make(chan struct{}), stream: &stubStream{frame: solidFrame(2, 2)}}
	session, _ := newTestSession(t, device)

	done := make(chan error, 1)
	go func() { done <- session.Start(context.Background(), true) }()

	for session.Status().Readiness != Starting {
		runtime.Gosched()
	}
	if err := session.Stop(); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	close(device.release)

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled start, got %v", err)
	}
	if device.stream.closed != 1 {
		t.Fatalf("expected abandoned stream closed")
	}
	if session.Status().Readiness != NotStarted {
		t.Fatalf("expected not_started, got %s", session.Status().Readiness)
	}
}

func TestSnapshotDevice(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, solidFrame(10, 6)); err != nil {
		t.Fatalf("encode: %v", err)
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	defer server.Close()

	device := NewSnapshotDevice("esp32", server.URL, FacingEnvironment, server.Client())
	stream, err := device.Open(context.Background())
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	frame, err := stream.Frame(context.Background())
	if err != nil {
		t.Fatalf("unexpected frame error: %v", err)
	}
	if b := frame.Bounds(); b.Dx() != 10 || b.Dy() != 6 {
		t.Fatalf("expected 10x6, got %dx%d", b.Dx(), b.Dy())
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	if _, err := stream.Frame(context.Background()); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
}

func TestSnapshotDeviceForbidden(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	device := NewSnapshotDevice("esp32", server.URL, FacingEnvironment, server.Client())
	if _, err := device.Open(context.Background()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestIsSecureContext(t *testing.T) {
	tests := []struct {
		name  string
		build func() *http.Request
		want  bool
	}{
		{name: "plain remote", build: func() *http.Request { return httptest.NewRequest(http.MethodPost, "http://example.com/mode", nil) }, want: false},
		{name: "localhost", build: func() *http.Request { return httptest.NewRequest(http.MethodPost, "http://localhost:8080/mode", nil) }, want: true},
		{name: "loopback ip", build: func() *http.Request { return httptest.NewRequest(http.MethodPost, "http://127.0.0.1:8080/mode", nil) }, want: true},
		{name: "ipv6 loopback", build: func() *http.Request { return httptest.NewRequest(http.MethodPost, "http://[::1]:8080/mode", nil) }, want: true},
		{name: "tls", build: func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "http://example.com/mode", nil)
			r.TLS = &tls.ConnectionState{}
			return r
		}, want: true},
		{name: "forwarded https", build: func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "http://example.com/mode", nil)
			r.Header.Set("X-Forwarded-Proto", "https")
			return r
		}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSecureContext(tt.build()); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestStartWhileStartingReportsNotReady(t *testing.T) {
	device := &blockingDevice{release: make(chan struct{}), stream: &stubStream{frame: solidFrame(2, 2)}}
	session, _ := newTestSession(t, device)

	done := make(chan error, 1)
	go func() { done <- session.Start(context.Background(), true) }()

	for session.Status().Readiness != Starting {
		runtime.Gosched()
	}
	if err := session.Start(context.Background(), true); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady while starting, got %v", err)
	}
	close(device.release)

	if err := <-done; err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	if err := session.Start(context.Background(), true); err != nil {
		t.Fatalf("starting a ready session should be a no-op, got %v", err)
	}
	if err := session.Stop(); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
}
