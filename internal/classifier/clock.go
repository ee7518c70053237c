package classifier

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Clock supplies attempt timestamps and the timer used for the pause between
// attempts.
type Clock interface {
	Now() time.Time
	NewTimer() backoff.Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTimer() backoff.Timer { return &systemTimer{} }

type systemTimer struct {
	timer *time.Timer
}

func (t *systemTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = time.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *systemTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *systemTimer) C() <-chan time.Time {
	return t.timer.C
}
