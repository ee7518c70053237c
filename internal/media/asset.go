// Package media turns uploads and camera frames into validated image assets and
// manages the preview handles that let a client display them.
package media

// ImageAsset is a binary image plus the metadata the classifier and the preview
// surface need. It is independent of how the image was acquired.
type ImageAsset struct {
	Bytes     []byte
	MimeType  string
	SizeBytes int64
	Filename  string
	Preview   PreviewHandle
}

// PredictionRequest wraps the asset for one submission. It is not modified once
// built.
type PredictionRequest struct {
	SubmissionID string
	Asset        *ImageAsset
}

// NewPredictionRequest copies the asset so later changes by its owner cannot leak
// into a running submission.
func NewPredictionRequest(submissionID string, asset *ImageAsset) PredictionRequest {
	if asset == nil {
		return PredictionRequest{SubmissionID: submissionID}
	}
	cp := *asset
	return PredictionRequest{SubmissionID: submissionID, Asset: &cp}
}
