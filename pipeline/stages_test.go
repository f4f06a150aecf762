package pipeline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfware/bindery/blob"
	"github.com/shelfware/bindery/errors"
	"github.com/shelfware/bindery/internal/httpclient"
	bindertest "github.com/shelfware/bindery/internal/testing"
	"github.com/shelfware/bindery/job"
)

func testEnv(t *testing.T) *Env {
	t.Helper()
	return &Env{
		Blobs:     blob.NewMemoryStore(),
		Keys:      blob.Keys{Prefix: "books"},
		ImageBase: "/books",
	}
}

func TestIngestVerifiesUploadedInput(t *testing.T) {
	env := testEnv(t)
	ctx := context.Background()

	j, err := job.New("books/x/input.epub", "", "")
	require.NoError(t, err)

	// Input reference pointing at nothing is an error
	_, err = ingestStage{}.Run(ctx, env, j)
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	require.NoError(t, env.Blobs.Put(ctx, "books/x/input.epub", strings.NewReader("payload"), 7, ""))
	ref, err := ingestStage{}.Run(ctx, env, j)
	require.NoError(t, err)
	assert.Equal(t, "books/x/input.epub", ref)
}

func TestIngestFetchesSourceURL(t *testing.T) {
	epubData := bindertest.MinimalEPUB(t, "Fetched Book", "<p>body</p>")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/epub+zip")
		w.Write(epubData)
	}))
	defer srv.Close()

	env := testEnv(t)
	env.Fetcher = httpclient.WrapClient(srv.Client())
	ctx := context.Background()

	j, err := job.New("", srv.URL+"/book.epub", "100227-01")
	require.NoError(t, err)

	ref, err := ingestStage{}.Run(ctx, env, j)
	require.NoError(t, err)
	assert.Equal(t, env.Keys.Input(j.ID), ref)
	assert.Equal(t, ref, j.InputRef)

	rc, _, err := env.Blobs.Get(ctx, ref)
	require.NoError(t, err)
	defer rc.Close()
	stored, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, epubData, stored)
}

func TestIngestFetchFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	env := testEnv(t)
	env.Fetcher = httpclient.WrapClient(srv.Client())

	j, err := job.New("", srv.URL+"/book.epub", "")
	require.NoError(t, err)

	_, err = ingestStage{}.Run(context.Background(), env, j)
	require.Error(t, err)
	assert.False(t, errors.IsInvalidRequest(err), "origin errors must stay retryable")
}

func TestConvertRejectsNonEPUBInput(t *testing.T) {
	env := testEnv(t)
	ctx := context.Background()

	j, err := job.New("books/x/input.epub", "", "")
	require.NoError(t, err)
	require.NoError(t, env.Blobs.Put(ctx, j.InputRef, strings.NewReader("just text"), 9, ""))

	_, err = convertStage{}.Run(ctx, env, j)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestConvertWritesMarkdownAndImages(t *testing.T) {
	env := testEnv(t)
	ctx := context.Background()

	epubData := bindertest.MinimalEPUB(t, "Converted", "<h1>Ch</h1><p>text</p>")

	j, err := job.New("books/100227-01/input.epub", "", "100227-01")
	require.NoError(t, err)
	require.NoError(t, env.Blobs.Put(ctx, j.InputRef, bytes.NewReader(epubData), int64(len(epubData)), ""))

	ref, err := convertStage{}.Run(ctx, env, j)
	require.NoError(t, err)
	assert.Equal(t, env.Keys.Staging(j.ID, "book.md"), ref)

	rc, _, err := env.Blobs.Get(ctx, ref)
	require.NoError(t, err)
	defer rc.Close()
	markdown, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Contains(t, string(markdown), "# Converted")
	assert.Contains(t, string(markdown), "/books/100227-01/images/cover.jpg",
		"references point at the published image path, not the staging key")

	_, _, err = env.Blobs.Get(ctx, env.Keys.Staging(j.ID, "images/cover.jpg"))
	assert.NoError(t, err)
}

func TestValidateRejectsEmptyDocument(t *testing.T) {
	env := testEnv(t)
	ctx := context.Background()

	j, err := job.New("in", "", "")
	require.NoError(t, err)
	j.StagingRef = "books/x/staging/book.md"
	require.NoError(t, env.Blobs.Put(ctx, j.StagingRef, strings.NewReader("  \n\n "), -1, ""))

	_, err = validateStage{}.Run(ctx, env, j)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestValidateRejectsBinaryGarbage(t *testing.T) {
	env := testEnv(t)
	ctx := context.Background()

	j, err := job.New("in", "", "")
	require.NoError(t, err)
	j.StagingRef = "books/x/staging/book.md"
	require.NoError(t, env.Blobs.Put(ctx, j.StagingRef, bytes.NewReader([]byte{0xff, 0xfe, 0x00, 0x81}), -1, ""))

	_, err = validateStage{}.Run(ctx, env, j)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestValidatePassesDocumentThrough(t *testing.T) {
	env := testEnv(t)
	ctx := context.Background()

	j, err := job.New("in", "", "")
	require.NoError(t, err)
	j.StagingRef = "books/x/staging/book.md"
	require.NoError(t, env.Blobs.Put(ctx, j.StagingRef, strings.NewReader("# Title\n\nbody"), -1, ""))

	ref, err := validateStage{}.Run(ctx, env, j)
	require.NoError(t, err)
	assert.Equal(t, j.StagingRef, ref)
}
