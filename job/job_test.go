package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfware/bindery/errors"
)

func TestStateMachineEdges(t *testing.T) {
	tests := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusSucceeded, false},
		{StatusQueued, StatusFailed, false},
		{StatusRunning, StatusSucceeded, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusQueued, true}, // reclaim / retry
		{StatusRunning, StatusCancelled, false},
		{StatusSucceeded, StatusQueued, false},
		{StatusFailed, StatusQueued, false},
		{StatusCancelled, StatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"→"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStatuses(t *testing.T) {
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusSucceeded.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestNewJob(t *testing.T) {
	j, err := New("books/100227-01/input.epub", "", "100227-01")
	require.NoError(t, err)

	assert.NotEmpty(t, j.ID)
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, 0, j.StageIndex)
	assert.Equal(t, 0, j.AttemptCount)
	assert.Equal(t, "100227-01", j.Label())
	assert.False(t, j.CreatedAt.IsZero())

	// Distinct jobs get distinct ids
	other, err := New("books/x/input.epub", "", "")
	require.NoError(t, err)
	assert.NotEqual(t, j.ID, other.ID)
	assert.Equal(t, other.ID, other.Label())
}

func TestNewJobRejectsBadInput(t *testing.T) {
	_, err := New("", "", "")
	require.Error(t, err)

	_, err = New("ref", "", "not-a-product-code")
	require.Error(t, err)

	_, err = New("", "https://books.example.com/b.epub", "")
	require.NoError(t, err)
}

func TestValidProductCode(t *testing.T) {
	assert.True(t, ValidProductCode("100227-01"))
	assert.False(t, ValidProductCode("100227"))
	assert.False(t, ValidProductCode("1002270-1"))
	assert.False(t, ValidProductCode("abcdef-01"))
}

func TestAdvanceStageResetsAttempts(t *testing.T) {
	j, err := New("in", "", "")
	require.NoError(t, err)

	j.Start("worker-1", time.Now().Add(time.Minute))
	j.RecordAttempt(errors.New("convert blew up"))
	j.RecordAttempt(errors.New("convert blew up again"))
	assert.Equal(t, 2, j.AttemptCount)

	j.AdvanceStage("staging/ref")
	assert.Equal(t, 1, j.StageIndex)
	assert.Equal(t, 0, j.AttemptCount)
	assert.Equal(t, "staging/ref", j.StagingRef)
}

func TestSucceedClearsLeaseAndStaging(t *testing.T) {
	j, err := New("in", "", "")
	require.NoError(t, err)

	j.Start("worker-1", time.Now().Add(time.Minute))
	j.AdvanceStage("staging/ref")
	j.Succeed("final/bundle.zip")

	assert.Equal(t, StatusSucceeded, j.Status)
	assert.Equal(t, "final/bundle.zip", j.OutputRef)
	assert.Empty(t, j.StagingRef)
	assert.Empty(t, j.LeaseOwner)
	assert.True(t, j.LeaseExpiresAt.IsZero())
}
