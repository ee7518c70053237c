package camera

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"sync"
	"time"

	"github.com/disintegration/imaging"
)

// SnapshotDevice is a network camera that returns one still (JPEG or PNG) per GET,
// as IP cameras and ESP32-CAM boards do.
type SnapshotDevice struct {
	id         string
	url        string
	facing     Facing
	httpClient *http.Client
}

// NewSnapshotDevice builds a device for url. A nil client gets a 10 second
// timeout.
func NewSnapshotDevice(id, url string, facing Facing, httpClient *http.Client) *SnapshotDevice {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &SnapshotDevice{id: id, url: url, facing: facing, httpClient: httpClient}
}

func (d *SnapshotDevice) ID() string { return d.id }

func (d *SnapshotDevice) Facing() Facing { return d.facing }

// Open fetches a first frame to prove the device is reachable and grants access.
func (d *SnapshotDevice) Open(ctx context.Context) (Stream, error) {
	s := &snapshotStream{device: d}
	if _, err := s.Frame(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

type snapshotStream struct {
	device *SnapshotDevice

	mu     sync.Mutex
	closed bool
}

func (s *snapshotStream) Frame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrStreamClosed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.device.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}
	resp, err := s.device.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrPermissionDenied
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: snapshot status %d", ErrNoDevice, resp.StatusCode)
	}

	img, err := imaging.Decode(resp.Body, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return img, nil
}

func (s *snapshotStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.device.httpClient.CloseIdleConnections()
	return nil
}
