// Package pool dispatches queued jobs to a bounded set of workers.
//
// The dispatcher polls the state store for dispatch-eligible jobs and feeds
// them to workers over a channel. Admission is the lease: a worker only
// processes a job after winning its lease and compare-and-swapping it to
// running, so duplicate dispatches and competing pool instances are harmless.
package pool

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/time/rate"

	"github.com/shelfware/bindery/errors"
	"github.com/shelfware/bindery/job"
	"github.com/shelfware/bindery/logger"
	"github.com/shelfware/bindery/pipeline"
	"github.com/shelfware/bindery/state"
)

// Config tunes the worker pool
type Config struct {
	Workers           int
	PollInterval      time.Duration
	DispatchPerSecond float64
	LeaseTTL          time.Duration
	ReaperInterval    time.Duration
	RetryLimit        int

	// MemoryThresholdPct pauses dispatch while host memory usage is above
	// this percentage. 0 disables the check.
	MemoryThresholdPct float64
}

// Pool runs the dispatcher, the workers, and the reaper
type Pool struct {
	store  *state.Store
	engine *pipeline.Engine
	cfg    Config

	limiter  *rate.Limiter
	instance string

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates a worker pool. The instance name feeds lease ownership, so it
// stays unique across pool restarts and replicas.
func New(store *state.Store, engine *pipeline.Engine, cfg Config) *Pool {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "bindery"
	}

	return &Pool{
		store:    store,
		engine:   engine,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.DispatchPerSecond), cfg.Workers),
		instance: fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		inFlight: make(map[string]struct{}),
	}
}

// Run operates the pool until ctx is cancelled, then drains in-progress
// work. Jobs interrupted mid-stage are requeued by their own engines; jobs
// whose worker died anyway are reclaimed later by a reaper.
func (p *Pool) Run(ctx context.Context) {
	logger.Infow("Worker pool starting",
		"instance", p.instance, "workers", p.cfg.Workers, "poll_interval", p.cfg.PollInterval)

	dispatch := make(chan string)
	var wg sync.WaitGroup

	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		owner := fmt.Sprintf("%s/worker-%d", p.instance, i)
		go func() {
			defer wg.Done()
			for id := range dispatch {
				p.process(ctx, id, owner)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reapLoop(ctx)
	}()

	p.dispatchLoop(ctx, dispatch)
	close(dispatch)
	wg.Wait()

	logger.Infow("Worker pool stopped", "instance", p.instance)
}

func (p *Pool) dispatchLoop(ctx context.Context, dispatch chan<- string) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if p.memoryPressure(ctx) {
			continue
		}

		ids, err := p.store.DueJobs(ctx, time.Now(), 2*p.cfg.Workers)
		if err != nil {
			logger.Warnw("Failed to poll for due jobs", "error", err)
			continue
		}

		for _, id := range ids {
			if !p.markInFlight(id) {
				continue
			}
			if err := p.limiter.Wait(ctx); err != nil {
				p.clearInFlight(id)
				return
			}
			select {
			case dispatch <- id:
			case <-ctx.Done():
				p.clearInFlight(id)
				return
			}
		}
	}
}

// process runs one job end to end under a heartbeat-renewed lease
func (p *Pool) process(ctx context.Context, id, owner string) {
	defer p.clearInFlight(id)

	expires, err := p.store.AcquireLease(ctx, id, owner, p.cfg.LeaseTTL)
	if err != nil {
		if !errors.IsAny(err, errors.ErrLeaseHeld, errors.ErrConflict, errors.ErrNotFound) {
			logger.Warnw("Failed to acquire lease", "job_id", id, "error", err)
		}
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.store.ReleaseLease(releaseCtx, id, owner); err != nil {
			logger.Warnw("Failed to release lease", "job_id", id, "error", err)
		}
	}()

	j, err := p.store.Get(ctx, id)
	if err != nil {
		logger.Warnw("Leased job vanished", "job_id", id, "error", err)
		return
	}
	if j.Status != job.StatusQueued {
		// Cancelled or already picked up between poll and lease
		return
	}

	j.Start(owner, expires)
	if err := p.store.CompareAndSwap(ctx, job.StatusQueued, j); err != nil {
		if !errors.Is(err, errors.ErrStaleState) {
			logger.Warnw("Failed to start job", "job_id", id, "error", err)
		}
		return
	}

	logger.Infow("Job started", "job_id", id, "worker", owner,
		"stage", p.engine.StageName(j.StageIndex), "attempt", j.AttemptCount+1)

	heartbeatDone := make(chan struct{})
	go p.heartbeat(ctx, id, owner, heartbeatDone)
	defer close(heartbeatDone)

	if err := p.engine.Execute(ctx, j); err != nil {
		logger.Warnw("Job execution interrupted", "job_id", id, "error", err)
	}
}

// heartbeat renews the lease at a third of its TTL so a healthy worker never
// loses a job to the reaper.
func (p *Pool) heartbeat(ctx context.Context, id, owner string, done <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.LeaseTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.store.AcquireLease(ctx, id, owner, p.cfg.LeaseTTL); err != nil {
				logger.Warnw("Lease renewal failed", "job_id", id, "worker", owner, "error", err)
				return
			}
		}
	}
}

// memoryPressure reports whether dispatch should pause this cycle
func (p *Pool) memoryPressure(ctx context.Context) bool {
	if p.cfg.MemoryThresholdPct <= 0 {
		return false
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		logger.Debugw("Memory stats unavailable", "error", err)
		return false
	}
	if vm.UsedPercent > p.cfg.MemoryThresholdPct {
		logger.Warnw("Pausing dispatch under memory pressure",
			"used_percent", fmt.Sprintf("%.1f", vm.UsedPercent),
			"threshold", p.cfg.MemoryThresholdPct)
		return true
	}
	return false
}

func (p *Pool) markInFlight(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inFlight[id]; exists {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Pool) clearInFlight(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, id)
}
