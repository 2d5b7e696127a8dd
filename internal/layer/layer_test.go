package layer_test

import (
	"archive/tar"
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krustbuild/krust/internal/layer"
)

func readerFor(content string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader([]byte(content))), nil
	}
}

func TestAssembleIsDeterministic(t *testing.T) {
	entries := []layer.FileEntry{
		{Path: "/ko-app/myapp", Size: 5, Open: readerFor("hello")},
	}

	b1, err := layer.Assemble(entries)
	require.NoError(t, err)
	entries2 := []layer.FileEntry{
		{Path: "/ko-app/myapp", Size: 5, Open: readerFor("hello")},
	}
	b2, err := layer.Assemble(entries2)
	require.NoError(t, err)

	assert.Equal(t, b1.Digest, b2.Digest)
	assert.Equal(t, b1.DiffID, b2.DiffID)
	assert.Equal(t, b1.Bytes, b2.Bytes)
}

func TestAssembleDigestAndDiffIDDiffer(t *testing.T) {
	blob, err := layer.Assemble([]layer.FileEntry{
		{Path: "/ko-app/myapp", Size: 5, Open: readerFor("hello")},
	})
	require.NoError(t, err)

	assert.NotEqual(t, blob.Digest, blob.DiffID, "compressed digest must differ from the uncompressed diff_id")
}

func TestAssembleEmptyEntriesProducesRootDirOnly(t *testing.T) {
	blob, err := layer.Assemble(nil)
	require.NoError(t, err)
	require.NotEmpty(t, blob.Bytes)

	gz, err := gzip.NewReader(bytes.NewReader(blob.Bytes))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, byte(tar.TypeDir), hdr.Typeflag)
	assert.Equal(t, "/", hdr.Name)

	_, err = tr.Next()
	assert.Equal(t, io.EOF, err)
}

func TestAssembleWritesImpliedParentDirectories(t *testing.T) {
	blob, err := layer.Assemble([]layer.FileEntry{
		{Path: "/ko-app/nested/deep/myapp", Size: 3, Open: readerFor("abc")},
	})
	require.NoError(t, err)

	gz, err := gzip.NewReader(bytes.NewReader(blob.Bytes))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}

	assert.Contains(t, names, "ko-app/")
	assert.Contains(t, names, "ko-app/nested/")
	assert.Contains(t, names, "ko-app/nested/deep/")
	assert.Contains(t, names, "ko-app/nested/deep/myapp")
}

func TestSingleExecutableSetsExecMode(t *testing.T) {
	blob, err := layer.SingleExecutable("/ko-app/myapp", 5, readerFor("hello"), time.Unix(0, 0).UTC())
	require.NoError(t, err)

	gz, err := gzip.NewReader(bytes.NewReader(blob.Bytes))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	// The implied parent directory precedes the file.
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "ko-app/", hdr.Name)

	hdr, err = tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "ko-app/myapp", hdr.Name)
	assert.Equal(t, int64(0o755), hdr.Mode)
}
