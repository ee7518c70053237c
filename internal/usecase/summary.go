package usecase

import (
	"sync"

	"github.com/example/avocado-ripeness/internal/prediction"
)

// Summary represents aggregated submission insights for this process.
type Summary struct {
	TotalSubmissions      int64            `json:"total_submissions"`
	SuccessfulSubmissions int64            `json:"successful_submissions"`
	SuccessRate           float64          `json:"success_rate"`
	AverageConfidence     float64          `json:"average_confidence"`
	AverageAttempts       float64          `json:"average_attempts"`
	Labels                map[string]int64 `json:"labels"`
}

// tally counts terminal views. Validation and camera failures never reached the
// classifier and are not counted.
type tally struct {
	mu            sync.Mutex
	lastID        string
	total         int64
	successful    int64
	confidenceSum float64
	attemptSum    int64
	labels        map[string]int64
}

func (t *tally) observe(v prediction.View) {
	if v.Attempts == 0 || v.SubmissionID == "" {
		return
	}
	if v.Phase != prediction.Succeeded && v.Phase != prediction.Failed {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if v.SubmissionID == t.lastID {
		return
	}
	t.lastID = v.SubmissionID
	t.total++
	t.attemptSum += int64(v.Attempts)
	if v.Result != nil {
		t.successful++
		t.confidenceSum += v.Result.Confidence
		if t.labels == nil {
			t.labels = make(map[string]int64)
		}
		t.labels[string(v.Result.Label)]++
	}
}

func (t *tally) summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{
		TotalSubmissions:      t.total,
		SuccessfulSubmissions: t.successful,
		Labels:                make(map[string]int64, len(t.labels)),
	}
	for k, v := range t.labels {
		s.Labels[k] = v
	}
	if t.total > 0 {
		s.SuccessRate = float64(t.successful) / float64(t.total)
		s.AverageAttempts = float64(t.attemptSum) / float64(t.total)
	}
	if t.successful > 0 {
		s.AverageConfidence = t.confidenceSum / float64(t.successful)
	}
	return s
}
