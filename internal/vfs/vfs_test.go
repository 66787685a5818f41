package vfs

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGzipWriteThenReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.mvd.gz")

	w, err := Open(path, true)
	require.NoError(t, err)
	require.NoError(t, w.InstallGzipFilter())
	_, err = w.Write([]byte("hello gtvcore"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := Open(path, false)
	require.NoError(t, err)
	require.NoError(t, r.InstallGzipFilter())
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello gtvcore", string(body))
	require.NoError(t, r.Close())
}

// TestInstallGzipFilterAfterProbeReadsWholeStream exercises the same
// probe-then-install pattern DemoSource uses: a few bytes are read
// raw to sniff the gzip magic before InstallGzipFilter is called, and
// the filter must still decode the stream from its true start rather
// than the post-probe offset.
func TestInstallGzipFilterAfterProbeReadsWholeStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.mvd.gz")

	w, err := Open(path, true)
	require.NoError(t, err)
	require.NoError(t, w.InstallGzipFilter())
	_, err = w.Write([]byte("probe-then-install"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := Open(path, false)
	require.NoError(t, err)
	probe := make([]byte, 4)
	n, err := r.Read(probe)
	require.NoError(t, err)
	require.Equal(t, 4, n)

	require.NoError(t, r.InstallGzipFilter())
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "probe-then-install", string(body))
	require.NoError(t, r.Close())
}
