package archive

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// IdleMonitor detects when neither backfill nor capture has anything to do.
type IdleMonitor struct {
	scheduler *Scheduler
	// capture is nil when live capture is disabled.
	capture  *Capture
	interval time.Duration
	log      zerolog.Logger
}

// WaitIdle polls until the queue has no pending or in-progress job, the
// worker isn't processing and capture hasn't written for the whole window.
// It returns ctx.Err() if ctx ends first.
func (m *IdleMonitor) WaitIdle(ctx context.Context, window time.Duration) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	var quietSince time.Time
	for {
		if m.quiet(ctx) {
			now := time.Now()
			if quietSince.IsZero() {
				quietSince = now
			}
			if m.capture != nil {
				if last := m.capture.LastWrite(); last.After(quietSince) {
					quietSince = last
				}
			}
			if now.Sub(quietSince) >= window {
				m.log.Debug().Stringer("window", window).Msg("Archive is idle")
				return nil
			}
		} else {
			quietSince = time.Time{}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *IdleMonitor) quiet(ctx context.Context) bool {
	snap, err := m.scheduler.Snapshot(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Warn().Err(err).Msg("Failed to read queue snapshot")
		}
		return false
	}
	if snap.Pending > 0 || snap.InProgress > 0 || snap.Processing {
		return false
	}
	return m.capture == nil || !m.capture.Active()
}
