package registry

import (
	"context"
	"time"

	"github.com/watchmark/watchmark/internal/events"
)

// Flusher periodically persists dirty sessions so a crash loses at most
// one interval of progress.
type Flusher struct {
	registry *Registry
	interval time.Duration
	logger   *events.Logger
	stopCh   chan struct{}
}

// NewFlusher creates a periodic flusher.
func NewFlusher(r *Registry, interval time.Duration, logger *events.Logger) *Flusher {
	return &Flusher{
		registry: r,
		interval: interval,
		logger:   logger.WithField("component", "flusher"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic flush loop.
func (f *Flusher) Start(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := f.registry.FlushDirty(ctx); err != nil {
					f.logger.WithError(err).Warn("Periodic flush failed")
				}
			case <-f.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the flush loop.
func (f *Flusher) Stop() {
	close(f.stopCh)
}
