// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

package initrdsecrets

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cavaliercoder/go-cpio"
	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/require"
)

func TestAppendPassesThroughWhenNoHook(t *testing.T) {
	base := []byte("base-initrd-bytes")
	out, err := Append(context.Background(), base, "", t.TempDir())
	require.NoError(t, err)
	require.Equal(t, base, out)
}

func TestPackSegmentProducesReadableCpioGzip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "secret.txt"), []byte("top-secret"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "nested.txt"), []byte("nested-secret"), 0o600))

	segment, err := packSegment(dir)
	require.NoError(t, err)
	require.NotEmpty(t, segment)

	gzr, err := pgzip.NewReader(bytes.NewReader(segment))
	require.NoError(t, err)
	defer gzr.Close()

	cr := cpio.NewReader(gzr)
	found := map[string]string{}
	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(cr)
		require.NoError(t, err)
		found[hdr.Name] = string(content)
	}

	require.Equal(t, "top-secret", found["secret.txt"])
	require.Equal(t, "nested-secret", found[filepath.Join("sub", "nested.txt")])
}

func TestAppendConcatenatesBaseAndSegment(t *testing.T) {
	scratch := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(scratch, "in.txt"), []byte("x"), 0o600))

	base := []byte("base-initrd")
	out, err := Append(context.Background(), base, "true", scratch)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(out, base))
	require.Greater(t, len(out), len(base))
}
