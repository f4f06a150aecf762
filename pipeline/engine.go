package pipeline

import (
	"context"
	"time"

	"github.com/shelfware/bindery/errors"
	"github.com/shelfware/bindery/job"
	"github.com/shelfware/bindery/logger"
	"github.com/shelfware/bindery/state"
)

// Config tunes engine retry and timeout behavior
type Config struct {
	StageTimeout time.Duration
	RetryLimit   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

// Engine executes the pipeline for one job at a time. Progress is persisted
// through the state store at every stage boundary, guarded by compare-and-swap
// on the running status so a reclaimed job cannot be advanced by its old
// worker.
type Engine struct {
	store  *state.Store
	env    *Env
	stages []Stage
	cfg    Config
}

// NewEngine builds an engine over the given stages
func NewEngine(store *state.Store, env *Env, stages []Stage, cfg Config) *Engine {
	return &Engine{store: store, env: env, stages: stages, cfg: cfg}
}

// Names returns the stage names in execution order
func (e *Engine) Names() []string {
	names := make([]string, len(e.stages))
	for i, s := range e.stages {
		names[i] = s.Name()
	}
	return names
}

// StageName resolves a stage index for display; out-of-range is "done"
func (e *Engine) StageName(index int) string {
	if index < 0 || index >= len(e.stages) {
		return "done"
	}
	return e.stages[index].Name()
}

// Execute drives j from its current stage to a terminal status or a requeue.
// The caller must hold the job's lease and have already transitioned it to
// running. The returned error reports infrastructure failures only; job
// outcomes (succeeded, failed, requeued for retry) are persisted and nil.
func (e *Engine) Execute(ctx context.Context, j *job.Job) error {
	for j.StageIndex < len(e.stages) {
		stage := e.stages[j.StageIndex]

		logger.Debugw("Running stage", "job_id", j.ID, "stage", stage.Name(), "attempt", j.AttemptCount+1)

		stageCtx, cancel := context.WithTimeout(ctx, e.cfg.StageTimeout)
		ref, err := stage.Run(stageCtx, e.env, j)
		cancel()

		if err != nil {
			return e.settleFailure(ctx, j, stage, err)
		}

		if j.StageIndex == len(e.stages)-1 {
			j.Succeed(ref)
			if err := e.store.CompareAndSwap(ctx, job.StatusRunning, j); err != nil {
				return errors.Wrapf(err, "persist success of job %s", j.ID)
			}
			logger.Infow("Job succeeded", "job_id", j.ID, "output_ref", ref)
			return nil
		}

		j.AdvanceStage(ref)
		if err := e.store.CompareAndSwap(ctx, job.StatusRunning, j); err != nil {
			// A reclaim beat us to the record; stop touching this job.
			return errors.Wrapf(err, "persist stage %s of job %s", stage.Name(), j.ID)
		}
	}
	return nil
}

// settleFailure decides between permanent failure, retry with backoff, and
// a clean handback on shutdown.
func (e *Engine) settleFailure(ctx context.Context, j *job.Job, stage Stage, stageErr error) error {
	// Shutdown is not the job's fault: hand it straight back to the queue
	// without burning an attempt.
	if errors.IsAny(stageErr, context.Canceled, context.DeadlineExceeded) && ctx.Err() != nil {
		j.Requeue()
		return e.persistWithFreshContext(job.StatusRunning, j, time.Now())
	}

	if errors.IsInvalidRequest(stageErr) {
		j.Fail(stageErr)
		if err := e.store.CompareAndSwap(ctx, job.StatusRunning, j); err != nil {
			return errors.Wrapf(err, "persist failure of job %s", j.ID)
		}
		logger.Warnw("Job failed on invalid input",
			"job_id", j.ID, "stage", stage.Name(), "error", stageErr)
		return nil
	}

	j.RecordAttempt(stageErr)
	if j.AttemptCount >= e.cfg.RetryLimit {
		j.Fail(errors.Wrapf(stageErr, "stage %s exhausted %d attempts", stage.Name(), j.AttemptCount))
		if err := e.store.CompareAndSwap(ctx, job.StatusRunning, j); err != nil {
			return errors.Wrapf(err, "persist failure of job %s", j.ID)
		}
		logger.Errorw("Job failed after exhausting retries",
			"job_id", j.ID, "stage", stage.Name(), "attempts", j.AttemptCount, "error", stageErr)
		return nil
	}

	delay := e.backoffDelay(j.AttemptCount)
	j.Requeue()
	if err := e.store.CompareAndSwapAt(ctx, job.StatusRunning, j, time.Now().Add(delay)); err != nil {
		return errors.Wrapf(err, "requeue job %s", j.ID)
	}
	logger.Warnw("Stage failed, job requeued",
		"job_id", j.ID, "stage", stage.Name(), "attempt", j.AttemptCount, "retry_in", delay, "error", stageErr)
	return nil
}

// backoffDelay doubles per attempt from the base, capped at the max
func (e *Engine) backoffDelay(attempt int) time.Duration {
	delay := e.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= e.cfg.BackoffMax {
			return e.cfg.BackoffMax
		}
	}
	if delay > e.cfg.BackoffMax {
		return e.cfg.BackoffMax
	}
	return delay
}

// persistWithFreshContext writes the record when the worker's own context is
// already cancelled (graceful shutdown).
func (e *Engine) persistWithFreshContext(expected job.Status, j *job.Job, eligibleAt time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.store.CompareAndSwapAt(ctx, expected, j, eligibleAt)
}
