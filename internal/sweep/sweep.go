// Package sweep runs the periodic maintenance jobs: releasing escrows
// whose complaint window has passed, cancelling deposits the provider
// never resolved, and retiring expired boosts.
//
// Jobs are idempotent and claim-based. Each run scans up to a batch of
// due items, processes them one at a time, and reports per-item failures
// without aborting the batch; overlapping runs claim disjoint items, so
// an external scheduler can fire them without coordination.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taskvine/walletd/internal/escrow"
	"github.com/taskvine/walletd/internal/logging"
	"github.com/taskvine/walletd/internal/metrics"
)

// Job names, used in logs and metrics labels.
const (
	JobReleaseEscrows = "release_escrows"
	JobExpireDeposits = "expire_deposits"
	JobExpireBoosts   = "expire_boosts"
)

// ItemError records one failed item within an otherwise successful run.
type ItemError struct {
	ID  string `json:"id"`
	Err string `json:"error"`
}

// Result summarizes one sweep run.
type Result struct {
	Job      string      `json:"job"`
	Scanned  int         `json:"scanned"`
	Affected int         `json:"affected"`
	Errors   []ItemError `json:"errors,omitempty"`
}

// EscrowReleaser is the slice of the escrow service the release job uses.
type EscrowReleaser interface {
	ListReadyForRelease(ctx context.Context, before time.Time, limit int) ([]*escrow.Escrow, error)
	Release(ctx context.Context, id string, actor escrow.Actor) (*escrow.Escrow, error)
}

// DepositExpirer cancels pending deposits past their provider window.
type DepositExpirer interface {
	ExpireStaleDeposits(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// BoostExpirer retires boosts past their expiry.
type BoostExpirer interface {
	ExpireBoosts(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// Runner executes the maintenance jobs against the domain services.
type Runner struct {
	escrows   EscrowReleaser
	deposits  DepositExpirer
	boosts    BoostExpirer
	batchSize int
}

func NewRunner(escrows EscrowReleaser, deposits DepositExpirer, boosts BoostExpirer, batchSize int) *Runner {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Runner{escrows: escrows, deposits: deposits, boosts: boosts, batchSize: batchSize}
}

// ReleaseEscrows settles every held escrow whose hold window has passed.
// Escrows that pick up a complaint between the scan and the release lose
// the race to the dispute and are skipped, not failed.
func (r *Runner) ReleaseEscrows(ctx context.Context) (*Result, error) {
	res := &Result{Job: JobReleaseEscrows}
	now := time.Now().UTC()

	due, err := r.escrows.ListReadyForRelease(ctx, now, r.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list releasable escrows: %w", err)
	}
	res.Scanned = len(due)

	for _, esc := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if _, err := r.escrows.Release(ctx, esc.ID, escrow.System); err != nil {
			// A complaint or concurrent settlement got there first.
			// The escrow is no longer ours to touch.
			if isSkippable(err) {
				logging.L(ctx).Info("escrow no longer releasable, skipping",
					"escrow_id", esc.ID, "reason", err.Error())
				continue
			}
			res.Errors = append(res.Errors, ItemError{ID: esc.ID, Err: err.Error()})
			logging.L(ctx).Error("auto-release failed",
				"escrow_id", esc.ID, "error", err)
			continue
		}
		res.Affected++
	}

	metrics.RecordSweep(JobReleaseEscrows, res.Affected, len(res.Errors))
	logSweep(ctx, res)
	return res, nil
}

// ExpireDeposits cancels pending deposits whose provider window lapsed.
func (r *Runner) ExpireDeposits(ctx context.Context) (*Result, error) {
	res := &Result{Job: JobExpireDeposits}

	ids, err := r.deposits.ExpireStaleDeposits(ctx, time.Now().UTC(), r.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to expire deposits: %w", err)
	}
	res.Scanned = len(ids)
	res.Affected = len(ids)

	metrics.RecordSweep(JobExpireDeposits, res.Affected, 0)
	logSweep(ctx, res)
	return res, nil
}

// ExpireBoosts retires boosts past their expiry.
func (r *Runner) ExpireBoosts(ctx context.Context) (*Result, error) {
	res := &Result{Job: JobExpireBoosts}

	ids, err := r.boosts.ExpireBoosts(ctx, time.Now().UTC(), r.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to expire boosts: %w", err)
	}
	res.Scanned = len(ids)
	res.Affected = len(ids)

	metrics.RecordSweep(JobExpireBoosts, res.Affected, 0)
	logSweep(ctx, res)
	return res, nil
}

// RunAll executes every job once, in dependency-free order. Used by the
// in-process ticker in development; production schedulers hit the
// per-job endpoints instead.
func (r *Runner) RunAll(ctx context.Context) []*Result {
	var out []*Result
	for _, run := range []func(context.Context) (*Result, error){
		r.ReleaseEscrows, r.ExpireDeposits, r.ExpireBoosts,
	} {
		res, err := run(ctx)
		if err != nil {
			logging.L(ctx).Error("sweep job failed", "error", err)
			continue
		}
		out = append(out, res)
	}
	return out
}

// Start runs all jobs on a fixed interval until the context is cancelled.
func (r *Runner) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunAll(ctx)
		}
	}
}

// isSkippable reports whether a release failure means the escrow moved on
// without us: disputed, already settled, or gone.
func isSkippable(err error) bool {
	return errors.Is(err, escrow.ErrInvalidState) ||
		errors.Is(err, escrow.ErrAlreadyDisputed) ||
		errors.Is(err, escrow.ErrEscrowNotFound)
}

func logSweep(ctx context.Context, res *Result) {
	logging.L(ctx).Info("sweep completed",
		"job", res.Job, "scanned", res.Scanned,
		"affected", res.Affected, "failed", len(res.Errors))
}
