package media

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
)

const (
	captureFilename = "capture.png"
	captureMimeType = "image/png"
)

// Source builds assets from files and camera frames. It never rejects input;
// Validate is the only feasibility gate.
type Source struct {
	previews *PreviewRegistry
}

// NewSource returns a Source that allocates previews in registry.
func NewSource(registry *PreviewRegistry) *Source {
	return &Source{previews: registry}
}

// FromFile wraps an uploaded file. Click-to-browse and drag-and-drop both end up
// here with the same arguments. When the client did not declare a usable type the
// content is sniffed.
func (s *Source) FromFile(filename, declaredType string, r io.Reader) (*ImageAsset, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}

	mimeType := normalizeMimeType(declaredType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = normalizeMimeType(mimetype.Detect(data).String())
	}

	return &ImageAsset{
		Bytes:     data,
		MimeType:  mimeType,
		SizeBytes: int64(len(data)),
		Filename:  filename,
		Preview:   s.previews.Create(data, mimeType),
	}, nil
}

// FromCapturedFrame encodes a frame as PNG at its native resolution.
func (s *Source) FromCapturedFrame(frame image.Image) (*ImageAsset, error) {
	if frame == nil {
		return nil, fmt.Errorf("encode frame: nil image")
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, frame, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	data := buf.Bytes()
	return &ImageAsset{
		Bytes:     data,
		MimeType:  captureMimeType,
		SizeBytes: int64(len(data)),
		Filename:  captureFilename,
		Preview:   s.previews.Create(data, captureMimeType),
	}, nil
}

// normalizeMimeType drops parameters such as "; charset=binary".
func normalizeMimeType(raw string) string {
	if i := strings.IndexByte(raw, ';'); i >= 0 {
		raw = raw[:i]
	}
	return strings.ToLower(strings.TrimSpace(raw))
}
