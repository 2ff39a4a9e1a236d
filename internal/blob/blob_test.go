package blob

import (
	"context"
	"io/fs"
	"net/url"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadDownload(t *testing.T) {
	f := NewFS(t.TempDir())
	ctx := context.Background()

	up, err := f.Upload(ctx, "avatars/u1.png", []byte("png"))
	require.NoError(t, err)
	down, err := f.Download(ctx, "avatars/u1.png")
	require.NoError(t, err)
	assert.Equal(t, up, down)

	u, err := url.Parse(down)
	require.NoError(t, err)
	assert.Equal(t, "file", u.Scheme)
	data, err := os.ReadFile(u.Path)
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))

	_, err = f.Upload(ctx, "avatars/u1.png", []byte("new"))
	require.NoError(t, err)
	data, err = os.ReadFile(u.Path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestPaths(t *testing.T) {
	f := NewFS(t.TempDir())
	ctx := context.Background()

	for _, p := range []string{"", "..", "../x", "a/../../x"} {
		_, err := f.Upload(ctx, p, nil)
		assert.ErrorIs(t, err, ErrInvalidPath, p)
	}
	_, err := f.Download(ctx, "missing.png")
	assert.ErrorIs(t, err, fs.ErrNotExist)
}
