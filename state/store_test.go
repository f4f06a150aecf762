package state

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfware/bindery/errors"
	"github.com/shelfware/bindery/job"
)

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewStoreWithClient(rdb, "bindery", 168*time.Hour), mr
}

func mustJob(t *testing.T, inputRef string) *job.Job {
	t.Helper()
	j, err := job.New(inputRef, "", "")
	require.NoError(t, err)
	return j
}

func TestCreateAndGet(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	j, err := job.New("books/100227-01/input.epub", "", "100227-01")
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, j))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.Equal(t, "books/100227-01/input.epub", got.InputRef)
	assert.Equal(t, "100227-01", got.ProductCode)
	assert.WithinDuration(t, j.CreatedAt, got.CreatedAt, time.Millisecond)
}

func TestCreateCollision(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	j := mustJob(t, "in")
	require.NoError(t, s.Create(ctx, j))

	err := s.Create(ctx, j)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAlreadyExists))
}

func TestGetUnknown(t *testing.T) {
	s, _ := testStore(t)

	_, err := s.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestCompareAndSwapStale(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	j := mustJob(t, "in")
	require.NoError(t, s.Create(ctx, j))

	// First transition wins
	j.Start("worker-1", time.Now().Add(time.Minute))
	require.NoError(t, s.CompareAndSwap(ctx, job.StatusQueued, j))

	// A second actor still holding the queued snapshot must lose
	loser := *j
	loser.Status = job.StatusCancelled
	err := s.CompareAndSwap(ctx, job.StatusQueued, &loser)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStaleState))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, got.Status)
}

func TestCompareAndSwapUnknownJob(t *testing.T) {
	s, _ := testStore(t)

	j := mustJob(t, "in")
	j.Start("w", time.Now().Add(time.Minute))
	err := s.CompareAndSwap(context.Background(), job.StatusQueued, j)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestCompareAndSwapRejectsIllegalEdge(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	j := mustJob(t, "in")
	require.NoError(t, s.Create(ctx, j))

	j.Succeed("out")
	err := s.CompareAndSwap(ctx, job.StatusQueued, j)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
}

func TestDueJobsFIFOWithIDTieBreak(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)

	// Same created-at on purpose so ordering falls back to the id
	a := mustJob(t, "in")
	b := mustJob(t, "in")
	c := mustJob(t, "in")
	for _, j := range []*job.Job{a, b, c} {
		j.CreatedAt = now
	}
	a.ID, b.ID, c.ID = "job-b", "job-a", "job-c"

	require.NoError(t, s.Create(ctx, a))
	require.NoError(t, s.Create(ctx, b))
	require.NoError(t, s.Create(ctx, c))

	ids, err := s.DueJobs(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-a", "job-b", "job-c"}, ids)
}

func TestDueJobsHonorsEligibility(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	j := mustJob(t, "in")
	require.NoError(t, s.Create(ctx, j))

	// Start it, then requeue with a backoff delay
	j.Start("w", time.Now().Add(time.Minute))
	require.NoError(t, s.CompareAndSwap(ctx, job.StatusQueued, j))
	j.Requeue()
	eligible := time.Now().Add(30 * time.Second)
	require.NoError(t, s.CompareAndSwapAt(ctx, job.StatusRunning, j, eligible))

	ids, err := s.DueJobs(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "job must not dispatch before its backoff elapses")

	ids, err = s.DueJobs(ctx, eligible.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{j.ID}, ids)
}

func TestTerminalJobLeavesQueues(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	j := mustJob(t, "in")
	require.NoError(t, s.Create(ctx, j))
	j.Start("w", time.Now().Add(time.Minute))
	require.NoError(t, s.CompareAndSwap(ctx, job.StatusQueued, j))
	j.Succeed("books/out.zip")
	require.NoError(t, s.CompareAndSwap(ctx, job.StatusRunning, j))

	ids, err := s.DueJobs(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = s.ExpiredLeases(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Terminal records carry a retention TTL
	ttl := mr.TTL("bindery:job:" + j.ID)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestAcquireLeaseExclusiveAndIdempotent(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	j := mustJob(t, "in")
	require.NoError(t, s.Create(ctx, j))

	exp1, err := s.AcquireLease(ctx, j.ID, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, exp1.After(time.Now()))

	// Another worker is locked out while the lease is live
	_, err = s.AcquireLease(ctx, j.ID, "worker-2", time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrLeaseHeld))

	// The holder re-acquiring extends, not fails
	exp2, err := s.AcquireLease(ctx, j.ID, "worker-1", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, exp2.After(exp1))

	holder, err := s.LeaseHolder(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", holder)
}

func TestLeaseExpiryFreesJob(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	j := mustJob(t, "in")
	require.NoError(t, s.Create(ctx, j))

	_, err := s.AcquireLease(ctx, j.ID, "worker-1", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	_, err = s.AcquireLease(ctx, j.ID, "worker-2", time.Minute)
	require.NoError(t, err, "expired lease must be acquirable by a new owner")
}

func TestReleaseLeaseOnlyByOwner(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	j := mustJob(t, "in")
	require.NoError(t, s.Create(ctx, j))

	_, err := s.AcquireLease(ctx, j.ID, "worker-1", time.Minute)
	require.NoError(t, err)

	// A stranger releasing is a silent no-op
	require.NoError(t, s.ReleaseLease(ctx, j.ID, "worker-2"))
	holder, err := s.LeaseHolder(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", holder)

	require.NoError(t, s.ReleaseLease(ctx, j.ID, "worker-1"))
	holder, err = s.LeaseHolder(ctx, j.ID)
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestCancelledJobNotLeasable(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	j := mustJob(t, "in")
	require.NoError(t, s.Create(ctx, j))
	j.Cancel("cancelled by client")
	require.NoError(t, s.CompareAndSwap(ctx, job.StatusQueued, j))

	_, err := s.AcquireLease(ctx, j.ID, "worker-1", time.Minute)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
}

func TestCancelRefusedWhileLeaseHeld(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	j := mustJob(t, "in")
	require.NoError(t, s.Create(ctx, j))

	_, err := s.AcquireLease(ctx, j.ID, "worker-1", time.Minute)
	require.NoError(t, err)

	// The lease check and the transition run in one script, so a lease
	// acquired at any point before the cancel always refuses it
	cancelled := *j
	cancelled.Cancel("cancelled by client")
	err = s.Cancel(ctx, &cancelled)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrLeaseHeld))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, got.Status)

	require.NoError(t, s.ReleaseLease(ctx, j.ID, "worker-1"))
	require.NoError(t, s.Cancel(ctx, &cancelled))

	got, err = s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, got.Status)

	// Cancelled jobs leave the ready queue
	ids, err := s.DueJobs(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestCancelRefusedOnceRunning(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	j := mustJob(t, "in")
	require.NoError(t, s.Create(ctx, j))
	j.Start("worker-1", time.Now().Add(time.Minute))
	require.NoError(t, s.CompareAndSwap(ctx, job.StatusQueued, j))

	cancelled := *j
	cancelled.Cancel("cancelled by client")
	err := s.Cancel(ctx, &cancelled)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStaleState))
}

func TestExpiredLeasesIndex(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	j := mustJob(t, "in")
	require.NoError(t, s.Create(ctx, j))

	expires := time.Now().Add(50 * time.Millisecond)
	j.Start("worker-1", expires)
	require.NoError(t, s.CompareAndSwap(ctx, job.StatusQueued, j))

	ids, err := s.ExpiredLeases(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "live lease must not be reported expired")

	ids, err = s.ExpiredLeases(ctx, expires.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{j.ID}, ids)
}

func TestListNewestFirst(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		j := mustJob(t, "in")
		j.ID = []string{"old", "mid", "new"}[i]
		j.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Create(ctx, j))
	}

	jobs, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "new", jobs[0].ID)
	assert.Equal(t, "old", jobs[2].ID)

	jobs, err = s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
}

func TestRoundTripPreservesAllFields(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	j, err := job.New("", "https://books.example.com/b.epub", "100227-01")
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, j))

	j.Start("worker-9", time.Now().Add(time.Minute).UTC())
	j.AdvanceStage("books/100227-01/staging/converted.md")
	require.NoError(t, s.CompareAndSwap(ctx, job.StatusQueued, j))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.Status, got.Status)
	assert.Equal(t, 1, got.StageIndex)
	assert.Equal(t, j.StagingRef, got.StagingRef)
	assert.Equal(t, j.SourceURL, got.SourceURL)
	assert.Equal(t, "worker-9", got.LeaseOwner)
	assert.WithinDuration(t, j.LeaseExpiresAt, got.LeaseExpiresAt, time.Millisecond)
}
