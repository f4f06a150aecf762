package pool

import (
	"context"
	"time"

	"github.com/shelfware/bindery/errors"
	"github.com/shelfware/bindery/job"
	"github.com/shelfware/bindery/logger"
)

// reapLoop periodically reclaims running jobs whose lease expired. An
// expired lease means the worker died or lost its heartbeat; the job goes
// back to the queue with the attempt counted, or fails outright once the
// retry limit is spent.
func (p *Pool) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReaperInterval)
	defer ticker.Stop()

	owner := p.instance + "/reaper"

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reapOnce(ctx, owner)
		}
	}
}

func (p *Pool) reapOnce(ctx context.Context, owner string) {
	ids, err := p.store.ExpiredLeases(ctx, time.Now(), 2*p.cfg.Workers)
	if err != nil {
		logger.Warnw("Reaper failed to scan for expired leases", "error", err)
		return
	}

	for _, id := range ids {
		if err := p.reclaim(ctx, id, owner); err != nil {
			logger.Warnw("Failed to reclaim job", "job_id", id, "error", err)
		}
	}
}

// reclaim transitions one expired running job back to queued (or failed).
// The reaper takes the lease itself first, so a worker that is merely slow
// rather than dead loses the race cleanly instead of racing the record.
func (p *Pool) reclaim(ctx context.Context, id, owner string) error {
	if _, err := p.store.AcquireLease(ctx, id, owner, p.cfg.LeaseTTL); err != nil {
		if errors.IsAny(err, errors.ErrLeaseHeld, errors.ErrConflict, errors.ErrNotFound) {
			// Renewed at the last moment, already terminal, or expired away
			return nil
		}
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.store.ReleaseLease(releaseCtx, id, owner)
	}()

	j, err := p.store.Get(ctx, id)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if j.Status != job.StatusRunning {
		return nil
	}

	deadWorker := j.LeaseOwner
	j.RecordAttempt(errors.Newf("lease expired while held by %s", deadWorker))

	if j.AttemptCount >= p.cfg.RetryLimit {
		j.Fail(errors.Newf("abandoned by %s after %d attempts", deadWorker, j.AttemptCount))
		if err := p.store.CompareAndSwap(ctx, job.StatusRunning, j); err != nil {
			return err
		}
		logger.Errorw("Reaped job failed permanently",
			"job_id", id, "dead_worker", deadWorker, "attempts", j.AttemptCount)
		return nil
	}

	j.Requeue()
	if err := p.store.CompareAndSwap(ctx, job.StatusRunning, j); err != nil {
		return err
	}
	logger.Warnw("Reclaimed job from expired lease",
		"job_id", id, "dead_worker", deadWorker, "attempt", j.AttemptCount)
	return nil
}
