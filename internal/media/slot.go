package media

import (
	"sync"

	"go.uber.org/zap"
)

// Slot owns at most one asset and its preview. Replacing or clearing the asset
// revokes the previous preview exactly once.
type Slot struct {
	mu       sync.Mutex
	name     string
	current  *ImageAsset
	previews *PreviewRegistry
	logger   *zap.Logger
}

// NewSlot returns an empty slot whose previews live in registry.
func NewSlot(name string, registry *PreviewRegistry, logger *zap.Logger) *Slot {
	return &Slot{
		name:     name,
		previews: registry,
		logger:   logger.Named("slot").With(zap.String("slot", name)),
	}
}

// Replace stores asset, revoking the preview of the asset it replaces.
func (s *Slot) Replace(asset *ImageAsset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
	s.current = asset
}

// Current returns the held asset, or nil.
func (s *Slot) Current() *ImageAsset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Clear revokes the held preview and empties the slot. Clearing an empty slot
// does nothing.
func (s *Slot) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked()
}

func (s *Slot) releaseLocked() {
	if s.current == nil {
		return
	}
	if s.current.Preview != "" {
		if err := s.previews.Revoke(s.current.Preview); err != nil {
			s.logger.Error("preview release failed", zap.Error(err))
		}
	}
	s.current = nil
}
