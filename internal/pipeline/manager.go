// Package pipeline runs alert dispatches in the background: a worker pool fed by
// the API and by a periodic sweep over recent alerts.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mr1hm/go-bear-alerts/internal/config"
	"github.com/mr1hm/go-bear-alerts/internal/events"
	"github.com/mr1hm/go-bear-alerts/internal/models"
	"github.com/mr1hm/go-bear-alerts/internal/worker"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, alertID int64) (models.DispatchStats, error)
}

type AlertLister interface {
	ListNotifiableAlertIDs(ctx context.Context, since time.Time) ([]int64, error)
}

type Manager struct {
	cfg         *config.Config
	dispatcher  Dispatcher
	alerts      AlertLister
	broadcaster *events.Broadcaster
	pool        *worker.WorkerPool
	wg          sync.WaitGroup
	now         func() time.Time
}

func NewManager(cfg *config.Config, dispatcher Dispatcher, alerts AlertLister, broadcaster *events.Broadcaster) *Manager {
	m := &Manager{
		cfg:         cfg,
		dispatcher:  dispatcher,
		alerts:      alerts,
		broadcaster: broadcaster,
		now:         time.Now,
	}
	m.pool = worker.NewWorkerPool(cfg.Worker.Count, cfg.Worker.BufferSize, m.process)
	return m
}

func (m *Manager) process(ctx context.Context, job worker.Job) error {
	stats, err := m.dispatcher.Dispatch(ctx, job.AlertID)
	if err != nil {
		return err
	}

	if m.broadcaster != nil {
		m.broadcaster.Publish(stats)
	}
	return nil
}

func (m *Manager) Start(ctx context.Context) {
	m.pool.Start(ctx)

	if m.cfg.Notify.SweepInterval > 0 {
		m.wg.Add(1)
		go m.runSweeper(ctx, m.cfg.Notify.SweepInterval)
	}
}

// TrySubmit queues a dispatch without blocking.
func (m *Manager) TrySubmit(job worker.Job) error {
	return m.pool.TrySubmit(job)
}

func (m *Manager) runSweeper(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()
	slog.Info("starting dispatch sweeper", "interval", interval, "window", m.cfg.Notify.SweepWindow)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatch sweeper shutting down")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep re-queues every recent notifiable alert. Dispatch is idempotent, so this
// only reaches users who became eligible since, or whose claim was abandoned.
func (m *Manager) sweep(ctx context.Context) {
	since := m.now().Add(-m.cfg.Notify.SweepWindow)

	ids, err := m.alerts.ListNotifiableAlertIDs(ctx, since)
	if err != nil {
		slog.Error("sweep failed", "error", err)
		return
	}

	queued := 0
	for _, id := range ids {
		if err := m.pool.TrySubmit(worker.Job{AlertID: id, Source: "sweep"}); err != nil {
			slog.Warn("dispatch queue unavailable, sweep cut short", "queued", queued, "remaining", len(ids)-queued, "error", err)
			break
		}
		queued++
	}

	slog.Debug("sweep complete", "alerts", len(ids), "queued", queued)
}

// Stop waits for the sweeper to exit (cancel the Start context first) and then
// drains the worker pool.
func (m *Manager) Stop() {
	m.wg.Wait()
	m.pool.Stop()
	slog.Info("dispatch pipeline stopped")
}
