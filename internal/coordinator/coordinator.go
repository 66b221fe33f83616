// Package coordinator wires the store, registry, deletion protocol and
// router into the single process that owns durable truth. Observers are
// caches; everything they know flows through here.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/watchmark/watchmark/internal/config"
	"github.com/watchmark/watchmark/internal/deletion"
	"github.com/watchmark/watchmark/internal/events"
	"github.com/watchmark/watchmark/internal/metrics"
	"github.com/watchmark/watchmark/internal/registry"
	"github.com/watchmark/watchmark/internal/retry"
	"github.com/watchmark/watchmark/internal/router"
	"github.com/watchmark/watchmark/internal/store"
)

const handlerTimeout = 30 * time.Second

// Coordinator owns the daemon's state and background loops.
type Coordinator struct {
	config  *config.Config
	logger  *events.Logger
	metrics *metrics.Collector

	store    store.Store
	registry *registry.Registry
	protocol *deletion.Protocol
	hub      *router.Hub
	flusher  *registry.Flusher

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New builds a coordinator from configuration. The store is initialized
// here so a corrupt data file surfaces at startup, not on first write.
func New(cfg *config.Config, logger *events.Logger) (*Coordinator, error) {
	collector := metrics.NewCollector()

	baseStore, err := store.New(&cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	executor := retry.New(retry.PolicyFromConfig(&cfg.Retry), logger, collector)
	st := store.WithRetry(baseStore, executor, logger, collector)

	initCtx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if err := st.Initialize(initCtx); err != nil {
		return nil, fmt.Errorf("initialize store: %w", err)
	}

	reg := registry.New(st, logger, collector)

	c := &Coordinator{
		config:   cfg,
		logger:   logger.WithField("component", "coordinator"),
		metrics:  collector,
		store:    st,
		registry: reg,
		stopCh:   make(chan struct{}),
	}

	// The hub dispatches into the coordinator; the protocol broadcasts
	// through the hub.
	c.hub = router.NewHub(c, logger, collector)
	c.protocol = deletion.New(reg, st, c.hub, cfg.Deletion.UndoWindow, logger, collector)
	c.flusher = registry.NewFlusher(reg, cfg.Tracking.FlushInterval, logger)

	return c, nil
}

// Hub returns the observer hub for mounting at the WebSocket route.
func (c *Coordinator) Hub() *router.Hub { return c.hub }

// Metrics returns the metrics collector.
func (c *Coordinator) Metrics() *metrics.Collector { return c.metrics }

// Start launches the background loops: periodic session flush, periodic
// backup snapshots and the retention sweep.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	c.flusher.Start(ctx)

	if interval := c.config.Storage.BackupInterval; interval > 0 {
		c.wg.Add(1)
		go c.backupLoop(interval)
	}
	if interval := c.config.Tracking.CleanupInterval; interval > 0 {
		c.wg.Add(1)
		go c.cleanupLoop(interval)
	}

	c.logger.Info("Coordinator started")
}

// Shutdown flushes pending progress and tears everything down. Pending
// deletions are abandoned; they resume as ordinary bookmarks next run.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	close(c.stopCh)
	c.mu.Unlock()

	c.protocol.Close()
	c.flusher.Stop()
	c.wg.Wait()

	var firstErr error
	if err := c.registry.FlushAll(ctx); err != nil {
		c.logger.WithError(err).Error("Final flush failed")
		firstErr = err
	}
	if err := c.hub.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	c.logger.Info("Coordinator stopped")
	return firstErr
}

func (c *Coordinator) backupLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
			if err := c.store.CreateBackup(ctx); err != nil {
				c.logger.WithError(err).Error("Scheduled backup failed")
			} else {
				c.logger.Debug("Scheduled backup written")
			}
			cancel()

		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) cleanupLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
			removed, err := c.store.CleanupOldBookmarks(ctx)
			cancel()
			if err != nil {
				c.logger.WithError(err).Error("Retention sweep failed")
				continue
			}
			if removed > 0 {
				c.logger.WithField("removed", removed).Info("Retention sweep removed stale bookmarks")
			}

		case <-c.stopCh:
			return
		}
	}
}
