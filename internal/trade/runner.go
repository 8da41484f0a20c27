package trade

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/earnpool/pool-engine/internal/metrics"
	"github.com/earnpool/pool-engine/internal/notify"
)

// Runner drives an Orchestrator on a fixed interval and publishes every
// cycle report.
type Runner struct {
	orch     *Orchestrator
	interval time.Duration
	notifier notify.Notifier
	hub      Broadcaster
	logger   *slog.Logger

	// Held for the length of a cycle. A cycle that finds it taken is
	// skipped, like one that finds the wallet lock taken.
	mu sync.Mutex
}

// NewRunner creates a runner. Nil notifier and hub are allowed.
func NewRunner(orch *Orchestrator, interval time.Duration, notifier notify.Notifier, hub Broadcaster, logger *slog.Logger) *Runner {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{orch: orch, interval: interval, notifier: notifier, hub: hub, logger: logger}
}

// Run executes a cycle immediately, then every interval until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("trade runner started", "wallet", r.orch.WalletID(), "interval", r.interval.String())
	r.RunOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("trade runner stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes one cycle, recovering a panic into an error, and
// publishes the report.
//
// A call made while another cycle of this runner is in progress returns
// immediately with a skipped report instead of waiting for it.
func (r *Runner) RunOnce(ctx context.Context) (report *CycleReport, err error) {
	if !r.mu.TryLock() {
		report = r.busy()
		r.publish(ctx, report, nil)
		return report, nil
	}
	defer r.mu.Unlock()

	defer func() {
		if p := recover(); p != nil {
			metrics.CyclesTotal.WithLabelValues("panic").Inc()
			r.logger.Error("trade cycle panicked", "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("trade cycle panicked: %v", p)
			if report == nil {
				report = &CycleReport{WalletID: r.orch.WalletID(), Outcome: OutcomeFailed}
			}
			report.Outcome = OutcomeFailed
		}
		r.publish(ctx, report, err)
	}()

	return r.orch.RunCycle(ctx)
}

func (r *Runner) busy() *CycleReport {
	now := time.Now().UTC()
	metrics.LockContention.Inc()
	metrics.CyclesTotal.WithLabelValues(string(OutcomeSkipped)).Inc()
	r.logger.Info("trade cycle skipped", "reason", ReasonLocked, "cause", "cycle already running")
	return &CycleReport{
		ID:            uuid.New().String(),
		WalletID:      r.orch.WalletID(),
		Outcome:       OutcomeSkipped,
		Reason:        ReasonLocked,
		PooledCapital: decimal.Zero,
		Allocation:    decimal.Zero,
		StartedAt:     now,
		FinishedAt:    now,
	}
}

func (r *Runner) publish(ctx context.Context, report *CycleReport, err error) {
	if err != nil {
		r.logger.Error("trade cycle failed", "err", err)
	}
	if report == nil {
		return
	}

	if r.hub != nil {
		r.hub.Broadcast(WSMessage{
			Type:     EventCycle,
			WalletID: report.WalletID,
			CycleID:  report.ID,
			Status:   string(report.Outcome),
			PnL:      report.TotalPnL().String(),
			Summary:  report.Summary(),
		})
	}

	// Skips happen every interval while idle; only real work is announced.
	if report.Outcome == OutcomeSkipped && err == nil {
		return
	}
	text := report.Summary()
	if err != nil {
		text += "\nError: " + err.Error()
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if nerr := r.notifier.Notify(nctx, text); nerr != nil {
		r.logger.Warn("cycle notification failed", "err", nerr)
	}
}
