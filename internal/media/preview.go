package media

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrPreviewNotFound is returned for handles that were never issued or were
// already revoked.
var ErrPreviewNotFound = errors.New("preview not found")

// PreviewHandle is an opaque display reference, served at /previews/<id> until
// revoked.
type PreviewHandle string

// URL returns the path clients use to fetch the preview.
func (h PreviewHandle) URL() string {
	if h == "" {
		return ""
	}
	return "/previews/" + string(h)
}

type previewEntry struct {
	data     []byte
	mimeType string
}

// PreviewRegistry issues preview handles and holds their bytes until revoked.
type PreviewRegistry struct {
	mu      sync.RWMutex
	entries map[PreviewHandle]previewEntry
	logger  *zap.Logger
}

// NewPreviewRegistry constructs an empty registry.
func NewPreviewRegistry(logger *zap.Logger) *PreviewRegistry {
	return &PreviewRegistry{
		entries: make(map[PreviewHandle]previewEntry),
		logger:  logger.Named("preview_registry"),
	}
}

// Create allocates a new handle for data.
func (r *PreviewRegistry) Create(data []byte, mimeType string) PreviewHandle {
	handle := PreviewHandle(uuid.NewString())
	r.mu.Lock()
	r.entries[handle] = previewEntry{data: data, mimeType: mimeType}
	r.mu.Unlock()
	r.logger.Debug("preview created", zap.String("handle", string(handle)), zap.Int("bytes", len(data)))
	return handle
}

// Revoke releases a handle. A second revoke of the same handle fails with
// ErrPreviewNotFound.
func (r *PreviewRegistry) Revoke(handle PreviewHandle) error {
	r.mu.Lock()
	_, ok := r.entries[handle]
	delete(r.entries, handle)
	r.mu.Unlock()
	if !ok {
		r.logger.Warn("revoke of unknown preview", zap.String("handle", string(handle)))
		return fmt.Errorf("revoke %q: %w", handle, ErrPreviewNotFound)
	}
	r.logger.Debug("preview revoked", zap.String("handle", string(handle)))
	return nil
}

// Open returns the bytes and MIME type behind a live handle.
func (r *PreviewRegistry) Open(handle PreviewHandle) ([]byte, string, error) {
	r.mu.RLock()
	entry, ok := r.entries[handle]
	r.mu.RUnlock()
	if !ok {
		return nil, "", ErrPreviewNotFound
	}
	return entry.data, entry.mimeType, nil
}

// Live reports how many handles are currently issued.
func (r *PreviewRegistry) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
