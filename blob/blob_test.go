package blob

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfware/bindery/errors"
)

func TestKeysLayout(t *testing.T) {
	k := Keys{Prefix: "books"}

	assert.Equal(t, "books/jobs/j-1/input.epub", k.Input("j-1"))
	assert.Equal(t, "books/jobs/j-1/staging/book.md", k.Staging("j-1", "book.md"))
	assert.Equal(t, "books/jobs/j-1/staging/images/cover.jpg", k.Staging("j-1", "images/cover.jpg"))
	assert.Equal(t, "books/100227-01/images/cover.jpg", k.Image("100227-01", "cover.jpg"))
	assert.Equal(t, "books/100227-01/book.zip", k.Output("100227-01"))
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "books/x/input.epub", strings.NewReader("payload"), 7, "application/epub+zip"))

	rc, size, err := s.Get(ctx, "books/x/input.epub")
	require.NoError(t, err)
	defer rc.Close()

	assert.Equal(t, int64(7), size)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestMemoryStoreMissingKey(t *testing.T) {
	s := NewMemoryStore()

	_, _, err := s.Get(context.Background(), "books/none")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestMemoryStoreDeleteIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", strings.NewReader("v"), 1, ""))
	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "k"))
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStoreList(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, k := range []string{
		"books/a/images/z.png",
		"books/a/images/a.png",
		"books/a/book.md",
		"books/b/images/c.png",
	} {
		require.NoError(t, s.Put(ctx, k, strings.NewReader("x"), 1, ""))
	}

	keys, err := s.List(ctx, "books/a/images/")
	require.NoError(t, err)
	assert.Equal(t, []string{"books/a/images/a.png", "books/a/images/z.png"}, keys)

	keys, err = s.List(ctx, "books/none/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMemoryStoreOffline(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	s.SetOffline(true)

	assert.True(t, errors.IsUnavailable(s.Ping(ctx)))
	assert.True(t, errors.IsUnavailable(s.Put(ctx, "k", strings.NewReader("v"), 1, "")))
	_, _, err := s.Get(ctx, "k")
	assert.True(t, errors.IsUnavailable(err))

	s.SetOffline(false)
	assert.NoError(t, s.Ping(ctx))
}
