/*
scheduler.go - Periodic ledger reconciliation

PURPOSE:
  Replays the transaction log on an interval and compares the recomputed
  balances with the stored wallets. The latest report is kept in memory and
  served on GET /api/admin/reconcile/latest.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Runs once immediately on start
  - Stop waits for a running check to finish
  - NextRunTime reports the next tick while running, served alongside the
    latest report
  - Unhealthy reports are logged at Error by the ledger itself

CONFIGURATION:
  - CheckInterval: how often to check (default: 5 minutes)
  - Enabled: whether the scheduler runs at all (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(ledger, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/escrow-engine/escrow"
)

// Reconciler is the ledger operation the scheduler runs.
type Reconciler interface {
	Reconcile(ctx context.Context) (*escrow.ReconciliationReport, error)
}

// ReconciliationObserver is told about every run, e.g. metrics.Recorder.
type ReconciliationObserver interface {
	ObserveReconciliation(report *escrow.ReconciliationReport, err error)
}

type ReconciliationScheduler struct {
	Ledger        Reconciler
	Observer      ReconciliationObserver
	Logger        *zap.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	latestMu sync.RWMutex
	latest   *escrow.ReconciliationReport
	tickedAt time.Time
}

func NewReconciliationScheduler(ledger Reconciler, logger *zap.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconciliationScheduler{
		Ledger:        ledger,
		Logger:        logger,
		CheckInterval: 5 * time.Minute,
		Enabled:       true,
	}
}

func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled || rs.CheckInterval <= 0 {
		rs.Logger.Info("reconciliation scheduler disabled")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run(rs.ticker, rs.stop)

	rs.Logger.Info("reconciliation scheduler started", zap.Duration("interval", rs.CheckInterval))
}

func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.Logger.Info("reconciliation scheduler stopped")
}

func (rs *ReconciliationScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	rs.markTick(time.Now())
	rs.RunNow(context.Background())

	for {
		select {
		case at := <-ticker.C:
			rs.markTick(at)
			rs.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow reconciles immediately and records the report as the latest.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) (*escrow.ReconciliationReport, error) {
	report, err := rs.Ledger.Reconcile(ctx)
	if rs.Observer != nil {
		rs.Observer.ObserveReconciliation(report, err)
	}
	if err != nil {
		rs.Logger.Warn("reconciliation failed", zap.Error(err))
		return nil, err
	}

	rs.latestMu.Lock()
	rs.latest = report
	rs.latestMu.Unlock()

	if report.Healthy() {
		rs.Logger.Debug("reconciliation completed",
			zap.Int("wallets", report.Wallets),
			zap.Int("transactions", report.Transactions),
		)
	}
	return report, nil
}

// Latest returns the most recent successful report, or nil before the first run.
func (rs *ReconciliationScheduler) Latest() *escrow.ReconciliationReport {
	rs.latestMu.RLock()
	defer rs.latestMu.RUnlock()
	return rs.latest
}

func (rs *ReconciliationScheduler) markTick(at time.Time) {
	rs.latestMu.Lock()
	rs.tickedAt = at
	rs.latestMu.Unlock()
}

// NextRunTime reports when the next scheduled check is due. ok is false
// when the scheduler is not running.
func (rs *ReconciliationScheduler) NextRunTime() (next time.Time, ok bool) {
	rs.mu.Lock()
	running := rs.ticker != nil
	rs.mu.Unlock()
	if !running {
		return time.Time{}, false
	}
	rs.latestMu.RLock()
	defer rs.latestMu.RUnlock()
	if rs.tickedAt.IsZero() {
		return time.Time{}, false
	}
	return rs.tickedAt.Add(rs.CheckInterval).UTC(), true
}
