package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"mime"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/shelfware/bindery/blob"
	"github.com/shelfware/bindery/epub"
	"github.com/shelfware/bindery/errors"
	"github.com/shelfware/bindery/job"
	"github.com/shelfware/bindery/logger"
)

// ingestStage makes the source document available in the artifact store.
// Directly uploaded inputs are verified; URL submissions are fetched here so
// slow origins burn worker time, not gateway request time.
type ingestStage struct{}

func (ingestStage) Name() string { return "ingest" }

func (s ingestStage) Run(ctx context.Context, env *Env, j *job.Job) (string, error) {
	if j.InputRef != "" {
		rc, _, err := env.Blobs.Get(ctx, j.InputRef)
		if err != nil {
			return "", errors.Wrapf(err, "input artifact %s", j.InputRef)
		}
		rc.Close()
		return j.InputRef, nil
	}

	data, err := env.Fetcher.Fetch(ctx, j.SourceURL)
	if err != nil {
		return "", errors.Wrap(err, "fetch source document")
	}

	key := env.Keys.Input(j.ID)
	if err := env.Blobs.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "application/epub+zip"); err != nil {
		return "", err
	}

	j.InputRef = key
	logger.Infow("Ingested source document", "job_id", j.ID, "source_url", j.SourceURL, "bytes", len(data))
	return key, nil
}

// convertStage parses the EPUB and renders it to Markdown, staging
// extracted images alongside.
type convertStage struct{}

func (convertStage) Name() string { return "convert" }

func (s convertStage) Run(ctx context.Context, env *Env, j *job.Job) (string, error) {
	data, err := readAll(ctx, env.Blobs, j.InputRef)
	if err != nil {
		return "", err
	}

	book, err := epub.Open(data)
	if err != nil {
		return "", err
	}

	conv := &epub.Converter{ImageBase: env.ImageBase}
	doc, err := conv.Convert(book, j.Label())
	if err != nil {
		return "", err
	}

	for _, img := range doc.Images {
		key := env.Keys.Staging(j.ID, path.Join("images", img.Name))
		if err := env.Blobs.Put(ctx, key, bytes.NewReader(img.Data), int64(len(img.Data)), img.MediaType); err != nil {
			return "", errors.Wrapf(err, "stage image %s", img.Name)
		}
	}

	key := env.Keys.Staging(j.ID, "book.md")
	if err := env.Blobs.Put(ctx, key, bytes.NewReader(doc.Markdown), int64(len(doc.Markdown)), "text/markdown"); err != nil {
		return "", err
	}

	logger.Infow("Converted book to Markdown",
		"job_id", j.ID, "title", book.Title, "chapters", len(book.Chapters), "images", len(doc.Images))
	return key, nil
}

// validateStage rejects conversions that produced unusable output. Failures
// here are permanent: re-running conversion on the same input cannot help.
type validateStage struct{}

func (validateStage) Name() string { return "validate" }

func (s validateStage) Run(ctx context.Context, env *Env, j *job.Job) (string, error) {
	data, err := readAll(ctx, env.Blobs, j.StagingRef)
	if err != nil {
		return "", err
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return "", errors.Wrap(errors.ErrInvalidRequest, "converted document is empty")
	}
	if !utf8.Valid(data) {
		return "", errors.Wrap(errors.ErrInvalidRequest, "converted document is not valid UTF-8")
	}
	if !strings.HasPrefix(strings.TrimSpace(string(data)), "#") {
		logger.Warnw("Converted document has no leading heading", "job_id", j.ID)
	}

	return j.StagingRef, nil
}

// packageStage bundles the Markdown and every extracted image into one zip
type packageStage struct{}

func (packageStage) Name() string { return "package" }

func (s packageStage) Run(ctx context.Context, env *Env, j *job.Job) (string, error) {
	markdown, err := readAll(ctx, env.Blobs, j.StagingRef)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	w, err := zw.Create("book.md")
	if err != nil {
		return "", errors.Wrap(err, "create bundle entry")
	}
	if _, err := w.Write(markdown); err != nil {
		return "", errors.Wrap(err, "write bundle entry")
	}

	imagePrefix := env.Keys.Staging(j.ID, "images") + "/"
	imageKeys, err := env.Blobs.List(ctx, imagePrefix)
	if err != nil {
		return "", err
	}
	for _, key := range imageKeys {
		data, err := readAll(ctx, env.Blobs, key)
		if err != nil {
			return "", err
		}
		w, err := zw.Create("images/" + path.Base(key))
		if err != nil {
			return "", errors.Wrap(err, "create bundle entry")
		}
		if _, err := w.Write(data); err != nil {
			return "", errors.Wrap(err, "write bundle entry")
		}
	}

	if err := zw.Close(); err != nil {
		return "", errors.Wrap(err, "finalize bundle")
	}

	key := env.Keys.Staging(j.ID, "bundle.zip")
	if err := env.Blobs.Put(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), "application/zip"); err != nil {
		return "", err
	}

	logger.Infow("Packaged deliverable bundle", "job_id", j.ID, "images", len(imageKeys), "bytes", buf.Len())
	return key, nil
}

// publishStage copies the bundle and the staged images to their durable
// label-scoped locations and removes this job's staging artifacts. The
// output key is the job's final OutputRef.
type publishStage struct{}

func (publishStage) Name() string { return "publish" }

func (s publishStage) Run(ctx context.Context, env *Env, j *job.Job) (string, error) {
	data, err := readAll(ctx, env.Blobs, j.StagingRef)
	if err != nil {
		return "", err
	}

	key := env.Keys.Output(j.Label())
	if err := env.Blobs.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "application/zip"); err != nil {
		return "", err
	}

	imagePrefix := env.Keys.Staging(j.ID, "images") + "/"
	imageKeys, err := env.Blobs.List(ctx, imagePrefix)
	if err != nil {
		return "", err
	}
	for _, staged := range imageKeys {
		img, err := readAll(ctx, env.Blobs, staged)
		if err != nil {
			return "", err
		}
		name := path.Base(staged)
		final := env.Keys.Image(j.Label(), name)
		contentType := mime.TypeByExtension(path.Ext(name))
		if err := env.Blobs.Put(ctx, final, bytes.NewReader(img), int64(len(img)), contentType); err != nil {
			return "", errors.Wrapf(err, "publish image %s", name)
		}
	}

	// Staging artifacts are disposable once the outputs are durable. Cleanup
	// failures only leak storage, never the job.
	stagingPrefix := env.Keys.Staging(j.ID, "")
	if stale, err := env.Blobs.List(ctx, stagingPrefix); err == nil {
		for _, k := range stale {
			if err := env.Blobs.Delete(ctx, k); err != nil {
				logger.Warnw("Failed to clean staging artifact", "key", k, "error", err)
			}
		}
	}

	logger.Infow("Published bundle", "job_id", j.ID, "output_ref", key, "images", len(imageKeys))
	return key, nil
}

func readAll(ctx context.Context, store blob.Store, key string) ([]byte, error) {
	rc, _, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrapf(err, "read artifact %s", key)
	}
	return data, nil
}
