package media

import (
	"fmt"
	"strings"
)

// DefaultMaxImageBytes is 5 MiB.
const DefaultMaxImageBytes int64 = 5 * 1024 * 1024

// ValidationKind classifies why an asset was rejected.
type ValidationKind string

const (
	UnsupportedType ValidationKind = "unsupported_type"
	TooLarge        ValidationKind = "too_large"
)

// ValidationError is returned by Validate.
type ValidationError struct {
	Kind      ValidationKind
	MimeType  string
	SizeBytes int64
	Limit     int64
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case UnsupportedType:
		return fmt.Sprintf("unsupported media type %q", e.MimeType)
	case TooLarge:
		return fmt.Sprintf("image is %d bytes, limit is %d", e.SizeBytes, e.Limit)
	default:
		return string(e.Kind)
	}
}

// Validator enforces the pre-submission rules.
type Validator struct {
	MaxBytes int64
}

// NewValidator falls back to DefaultMaxImageBytes when maxBytes is not positive.
func NewValidator(maxBytes int64) Validator {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}
	return Validator{MaxBytes: maxBytes}
}

// Validate checks the MIME type first, then the size. It has no side effects.
func (v Validator) Validate(asset *ImageAsset) error {
	limit := v.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxImageBytes
	}
	if asset == nil {
		return &ValidationError{Kind: UnsupportedType, Limit: limit}
	}
	if !strings.HasPrefix(asset.MimeType, "image/") {
		return &ValidationError{Kind: UnsupportedType, MimeType: asset.MimeType, SizeBytes: asset.SizeBytes, Limit: limit}
	}
	if asset.SizeBytes > limit {
		return &ValidationError{Kind: TooLarge, MimeType: asset.MimeType, SizeBytes: asset.SizeBytes, Limit: limit}
	}
	return nil
}
