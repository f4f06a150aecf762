// Package pipeline runs a job through its ordered processing stages.
//
// Each stage is a pure function of the job record and the artifact store:
// it reads the previous stage's output, writes its own, and returns the new
// staging reference. The engine persists the job record after every stage
// boundary, so a crashed worker's successor resumes at the first incomplete
// stage instead of starting over.
package pipeline

import (
	"context"

	"github.com/shelfware/bindery/blob"
	"github.com/shelfware/bindery/internal/httpclient"
	"github.com/shelfware/bindery/job"
)

// Stage is one step of the processing pipeline
type Stage interface {
	// Name identifies the stage in logs and staging keys
	Name() string

	// Run executes the stage against the job, returning the staging
	// reference of its output. Run may update job fields that describe
	// the input (ingest sets InputRef); the engine owns status fields.
	Run(ctx context.Context, env *Env, j *job.Job) (string, error)
}

// Env bundles the external services stages operate on
type Env struct {
	Blobs   blob.Store
	Keys    blob.Keys
	Fetcher *httpclient.SaferClient

	// ImageBase is the public URL path prefix for extracted images
	ImageBase string
}

// DefaultStages returns the book processing pipeline in execution order
func DefaultStages() []Stage {
	return []Stage{
		ingestStage{},
		convertStage{},
		validateStage{},
		packageStage{},
		publishStage{},
	}
}
