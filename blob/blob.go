// Package blob stores job artifacts in an S3-compatible object store.
//
// Artifacts are opaque byte payloads addressed by key; all metadata about
// them lives in the job record. In-flight artifacts are scoped by job id,
// so two jobs for the same product never touch each other's intermediates;
// published artifacts are scoped by label, so output paths stay stable
// across resubmissions of the same product:
//
//	<prefix>/jobs/<id>/input.epub        uploaded or fetched source
//	<prefix>/jobs/<id>/staging/<name>    intermediate stage outputs
//	<prefix>/<label>/images/<name>       published chapter images
//	<prefix>/<label>/book.zip            final bundle
package blob

import (
	"context"
	"io"
	"path"
)

// Store is the artifact storage contract. Implementations map missing keys
// to errors.ErrNotFound and connectivity failures to errors.ErrUnavailable.
type Store interface {
	// Put writes the full payload under key, overwriting any previous object.
	// size may be -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Get opens the object for reading. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// Delete removes the object. Deleting a missing key is a no-op.
	Delete(ctx context.Context, key string) error

	// List returns the keys of all objects under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Ping verifies the store is reachable and the bucket exists.
	Ping(ctx context.Context) error
}

// Keys builds artifact keys under a common prefix
type Keys struct {
	Prefix string
}

func (k Keys) join(parts ...string) string {
	return path.Join(append([]string{k.Prefix}, parts...)...)
}

// Input is the key for a job's source document
func (k Keys) Input(id string) string {
	return k.join("jobs", id, "input.epub")
}

// Staging is the key for one in-flight intermediate artifact
func (k Keys) Staging(id, name string) string {
	return k.join("jobs", id, "staging", name)
}

// Image is the key for one published chapter image
func (k Keys) Image(label, name string) string {
	return k.join(label, "images", name)
}

// Output is the key for the final deliverable bundle
func (k Keys) Output(label string) string {
	return k.join(label, "book.zip")
}
