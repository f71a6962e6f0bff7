// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

// Package initrdsecrets implements the initrd-secrets append hook
// described in spec.md §4.F step 1 and §9's content-addressing corollary:
// a boot spec may name an external command that mutates a generation's
// initrd at install time. Linux initrds are a concatenation of independent
// cpio+gzip segments, so "mutate" here means "append one more segment"
// rather than rewriting the base archive in place — the same convention
// systemd's initrd-generators and dracut's --include use.
package initrdsecrets

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/cavaliercoder/go-cpio"
	"github.com/klauspost/pgzip"

	"github.com/nix-community/lanzaboote-go/internal/lzerr"
	"github.com/nix-community/lanzaboote-go/internal/shell"
)

// Append runs hookCmd (if non-empty) with scratchDir as its only argument,
// packs whatever files it wrote there into a new cpio+gzip segment, and
// returns baseInitrd with that
// segment appended. If hookCmd is empty, baseInitrd is returned unchanged
// and effective content hashing degenerates to hashing the base initrd.
func Append(ctx context.Context, baseInitrd []byte, hookCmd string, scratchDir string) ([]byte, error) {
	if hookCmd == "" {
		return baseInitrd, nil
	}

	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, lzerr.Wrap(lzerr.SecretsHookFailed, err, fmt.Sprintf("failed to create secrets scratch dir %q", scratchDir))
	}

	_, _, err := shell.NewExecBuilder(hookCmd, scratchDir).
		DropCapabilities().
		ExecuteCaptureOutput(ctx)
	if err != nil {
		return nil, lzerr.Wrap(lzerr.SecretsHookFailed, err, fmt.Sprintf("initrd-secrets hook %q failed", hookCmd))
	}

	segment, err := packSegment(scratchDir)
	if err != nil {
		return nil, lzerr.Wrap(lzerr.SecretsHookFailed, err, "failed to pack secrets segment")
	}

	out := make([]byte, 0, len(baseInitrd)+len(segment))
	out = append(out, baseInitrd...)
	out = append(out, segment...)
	return out, nil
}

// packSegment archives dir's contents into a standalone cpio+gzip segment,
// suitable for concatenation onto an existing initrd.
func packSegment(dir string) ([]byte, error) {
	var buf fileBuffer

	gzipWriter := pgzip.NewWriter(&buf)
	cpioWriter := cpio.NewWriter(gzipWriter)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("walk error at (%s):\n%w", path, walkErr)
		}
		if path == dir {
			return nil
		}
		return addFileToArchive(dir, path, info, cpioWriter)
	})
	if err != nil {
		return nil, err
	}

	if err := cpioWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize cpio writer:\n%w", err)
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize gzip writer:\n%w", err)
	}

	return buf.b, nil
}

func addFileToArchive(root, path string, info os.FileInfo, cpioWriter *cpio.Writer) error {
	var link string
	var err error
	if info.Mode()&os.ModeSymlink != 0 {
		link, err = os.Readlink(path)
		if err != nil {
			return fmt.Errorf("failed to read link (%s):\n%w", path, err)
		}
	}

	header, err := cpio.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("failed to build cpio header for (%s):\n%w", path, err)
	}

	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		header.UID = int(stat.Uid)
		header.GID = int(stat.Gid)
	}

	relPath, err := filepath.Rel(root, path)
	if err != nil {
		return fmt.Errorf("failed to relativize (%s) against (%s):\n%w", path, root, err)
	}
	header.Name = relPath

	if err := cpioWriter.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write cpio header for (%s):\n%w", path, err)
	}

	switch {
	case info.Mode().IsRegular():
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open (%s):\n%w", path, err)
		}
		defer f.Close()
		if _, err := io.Copy(cpioWriter, f); err != nil {
			return fmt.Errorf("failed to write (%s) into archive:\n%w", path, err)
		}
	case info.Mode()&os.ModeSymlink != 0:
		if _, err := cpioWriter.Write([]byte(link)); err != nil {
			return fmt.Errorf("failed to write symlink target for (%s):\n%w", path, err)
		}
	}

	return nil
}

// fileBuffer is a minimal io.Writer that accumulates bytes, avoiding a
// dependency on bytes.Buffer's larger surface for this one append-only use.
type fileBuffer struct {
	b []byte
}

func (f *fileBuffer) Write(p []byte) (int, error) {
	f.b = append(f.b, p...)
	return len(p), nil
}
