package auth

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// TimingConfig holds configuration for failure timing equalization
type TimingConfig struct {
	BaseDelay      time.Duration
	RandomDelay    time.Duration // upper bound of the random jitter added to BaseDelay
	DelayOnSuccess bool
}

// TimingDelay pads credential checks so unknown principals, wrong passwords and
// wrong codes all take about the same time to answer
type TimingDelay struct {
	config TimingConfig
}

// NewTimingDelay creates a new TimingDelay instance
func NewTimingDelay(config TimingConfig) *TimingDelay {
	return &TimingDelay{config: config}
}

func (td *TimingDelay) target() time.Duration {
	delay := td.config.BaseDelay
	if td.config.RandomDelay > 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(td.config.RandomDelay)))
		if err == nil {
			delay += time.Duration(n.Int64())
		}
	}
	return delay
}

// WaitFrom sleeps until at least the target delay has elapsed since start.
// It returns early when ctx is cancelled.
func (td *TimingDelay) WaitFrom(ctx context.Context, start time.Time, success bool) {
	if td == nil || (success && !td.config.DelayOnSuccess) {
		return
	}

	remaining := td.target() - time.Since(start)
	if remaining <= 0 {
		return
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
