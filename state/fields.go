package state

import (
	"strconv"
	"time"

	"github.com/shelfware/bindery/errors"
	"github.com/shelfware/bindery/job"
)

// Hash field names for the job record. Every write sets all of them so a
// record read back is always complete; empty strings decode as zero values.
const (
	fID             = "id"
	fStatus         = "status"
	fStageIndex     = "stage_index"
	fInputRef       = "input_ref"
	fStagingRef     = "staging_ref"
	fOutputRef      = "output_ref"
	fError          = "error"
	fAttemptCount   = "attempt_count"
	fProductCode    = "product_code"
	fSourceURL      = "source_url"
	fLeaseOwner     = "lease_owner"
	fLeaseExpiresAt = "lease_expires_at"
	fCreatedAt      = "created_at"
	fUpdatedAt      = "updated_at"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// fieldPairs flattens a job into HSET field/value argument pairs
func fieldPairs(j *job.Job) []interface{} {
	return []interface{}{
		fID, j.ID,
		fStatus, string(j.Status),
		fStageIndex, strconv.Itoa(j.StageIndex),
		fInputRef, j.InputRef,
		fStagingRef, j.StagingRef,
		fOutputRef, j.OutputRef,
		fError, j.Error,
		fAttemptCount, strconv.Itoa(j.AttemptCount),
		fProductCode, j.ProductCode,
		fSourceURL, j.SourceURL,
		fLeaseOwner, j.LeaseOwner,
		fLeaseExpiresAt, formatTime(j.LeaseExpiresAt),
		fCreatedAt, formatTime(j.CreatedAt),
		fUpdatedAt, formatTime(j.UpdatedAt),
	}
}

// jobFromFields decodes an HGETALL result back into a job record
func jobFromFields(m map[string]string) (*job.Job, error) {
	j := &job.Job{
		ID:          m[fID],
		Status:      job.Status(m[fStatus]),
		InputRef:    m[fInputRef],
		StagingRef:  m[fStagingRef],
		OutputRef:   m[fOutputRef],
		Error:       m[fError],
		ProductCode: m[fProductCode],
		SourceURL:   m[fSourceURL],
		LeaseOwner:  m[fLeaseOwner],
	}

	if !job.ValidStatus(m[fStatus]) {
		return nil, errors.Newf("job %s has corrupt status %q", j.ID, m[fStatus])
	}

	var err error
	if j.StageIndex, err = parseIntField(m, fStageIndex); err != nil {
		return nil, err
	}
	if j.AttemptCount, err = parseIntField(m, fAttemptCount); err != nil {
		return nil, err
	}
	if j.LeaseExpiresAt, err = parseTime(m[fLeaseExpiresAt]); err != nil {
		return nil, errors.Wrapf(err, "job %s: bad %s", j.ID, fLeaseExpiresAt)
	}
	if j.CreatedAt, err = parseTime(m[fCreatedAt]); err != nil {
		return nil, errors.Wrapf(err, "job %s: bad %s", j.ID, fCreatedAt)
	}
	if j.UpdatedAt, err = parseTime(m[fUpdatedAt]); err != nil {
		return nil, errors.Wrapf(err, "job %s: bad %s", j.ID, fUpdatedAt)
	}
	return j, nil
}

func parseIntField(m map[string]string, field string) (int, error) {
	s := m[field]
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "job %s: bad %s", m[fID], field)
	}
	return n, nil
}
