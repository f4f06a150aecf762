// Package job defines the Job Record: the authoritative description of one
// submitted book and its progress through the processing pipeline.
package job

import (
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/shelfware/bindery/errors"
)

// Status represents the current state of a job
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ValidStatus returns true if the status string is a valid Status
func ValidStatus(s string) bool {
	switch Status(s) {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true for statuses a job can never leave
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from → to is a legal state machine edge.
// running → queued is the lease-expiry reclaim / stage-retry path;
// queued → cancelled is only reachable before a lease is acquired.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusQueued || to == StatusSucceeded || to == StatusFailed
	default:
		return false
	}
}

// productCodePattern matches catalog product codes like "100227-01"
var productCodePattern = regexp.MustCompile(`^\d{6}-\d{2}$`)

// ValidProductCode reports whether code is a well-formed product code
func ValidProductCode(code string) bool {
	return productCodePattern.MatchString(code)
}

// Job represents one submitted book processing request.
//
// The state store is the single source of truth for every field here; the
// object store only ever holds the byte payloads the *Ref fields point at.
// Mutation goes through the holder of the current lease, via compare-and-swap
// on Status, so two workers can never both advance the same job.
type Job struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	StageIndex   int       `json:"stage_index"`
	InputRef     string    `json:"input_ref"`
	StagingRef   string    `json:"staging_ref,omitempty"` // Output of the last completed stage
	OutputRef    string    `json:"output_ref,omitempty"`  // Set if and only if Status == succeeded
	Error        string    `json:"error,omitempty"`
	AttemptCount int       `json:"attempt_count"`
	ProductCode  string    `json:"product_code,omitempty"`
	SourceURL    string    `json:"source_url,omitempty"` // Set when the input is fetched by URL at ingest

	LeaseOwner     string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a queued job with a fresh id. inputRef may be empty when the
// input will be fetched from sourceURL during ingest.
func New(inputRef, sourceURL, productCode string) (*Job, error) {
	if inputRef == "" && sourceURL == "" {
		return nil, errors.New("job needs an input_ref or a source_url")
	}
	if productCode != "" && !ValidProductCode(productCode) {
		return nil, errors.Newf("malformed product code %q (want NNNNNN-NN)", productCode)
	}

	now := time.Now().UTC()
	return &Job{
		ID:          uuid.NewString(),
		Status:      StatusQueued,
		InputRef:    inputRef,
		SourceURL:   sourceURL,
		ProductCode: productCode,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Label returns the product code when present, else the job id. Published
// artifact keys (images, final bundle) are laid out under this label;
// in-flight artifacts are keyed by job id instead.
func (j *Job) Label() string {
	if j.ProductCode != "" {
		return j.ProductCode
	}
	return j.ID
}

// Start marks the job as running under the given lease owner
func (j *Job) Start(owner string, leaseExpires time.Time) {
	j.Status = StatusRunning
	j.LeaseOwner = owner
	j.LeaseExpiresAt = leaseExpires
	j.UpdatedAt = time.Now().UTC()
}

// AdvanceStage records a completed stage: the stage index moves forward,
// the stage's output becomes the staging artifact, and the attempt counter
// resets for the next stage.
func (j *Job) AdvanceStage(stagingRef string) {
	j.StageIndex++
	j.StagingRef = stagingRef
	j.AttemptCount = 0
	j.UpdatedAt = time.Now().UTC()
}

// RecordAttempt notes a failed execution attempt for the current stage
func (j *Job) RecordAttempt(stageErr error) {
	j.AttemptCount++
	j.Error = stageErr.Error()
	j.UpdatedAt = time.Now().UTC()
}

// Requeue returns the job to the queue for another attempt, dropping the lease
func (j *Job) Requeue() {
	j.Status = StatusQueued
	j.LeaseOwner = ""
	j.LeaseExpiresAt = time.Time{}
	j.UpdatedAt = time.Now().UTC()
}

// Succeed marks the job as succeeded with its final artifact
func (j *Job) Succeed(outputRef string) {
	j.Status = StatusSucceeded
	j.OutputRef = outputRef
	j.StagingRef = ""
	j.Error = ""
	j.LeaseOwner = ""
	j.LeaseExpiresAt = time.Time{}
	j.UpdatedAt = time.Now().UTC()
}

// Fail marks the job as terminally failed
func (j *Job) Fail(jobErr error) {
	j.Status = StatusFailed
	j.Error = jobErr.Error()
	j.LeaseOwner = ""
	j.LeaseExpiresAt = time.Time{}
	j.UpdatedAt = time.Now().UTC()
}

// Cancel marks the job as cancelled with a reason
func (j *Job) Cancel(reason string) {
	j.Status = StatusCancelled
	j.Error = reason
	j.UpdatedAt = time.Now().UTC()
}
