// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

// Package file provides filesystem helpers: permission-preserving copies
// and directory creation. No other package in this module imports it.
package file

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nix-community/lanzaboote-go/internal/logger"
)

type FileCopyBuilder struct {
	Src            string
	Dst            string
	DirFileMode    os.FileMode
	ChangeFileMode bool
	FileMode       os.FileMode
	NoDereference  bool
}

func NewFileCopyBuilder(src string, dst string) FileCopyBuilder {
	return FileCopyBuilder{
		Src:            src,
		Dst:            dst,
		DirFileMode:    os.ModePerm,
		ChangeFileMode: false,
		FileMode:       os.ModePerm,
		NoDereference:  false,
	}
}

func (b FileCopyBuilder) SetDirFileMode(dirFileMode os.FileMode) FileCopyBuilder {
	b.DirFileMode = dirFileMode
	return b
}

func (b FileCopyBuilder) SetFileMode(fileMode os.FileMode) FileCopyBuilder {
	b.ChangeFileMode = true
	b.FileMode = fileMode
	return b
}

func (b FileCopyBuilder) SetNoDereference() FileCopyBuilder {
	b.NoDereference = true
	return b
}

func (b FileCopyBuilder) Run() (err error) {
	logger.Log.Debugf("copying (%s) to (%s)", b.Src, b.Dst)

	if b.NoDereference && b.ChangeFileMode {
		return fmt.Errorf("cannot modify file permissions of symlinks")
	}

	if b.NoDereference {
		srcFileInfo, err := os.Lstat(b.Src)
		if err != nil {
			return fmt.Errorf("failed to read source file link info:\n%w", err)
		}

		if srcFileInfo.Mode().Type() == os.ModeSymlink {
			symlinkPath, err := os.Readlink(b.Src)
			if err != nil {
				return fmt.Errorf("failed to read source symlink:\n%w", err)
			}

			err = os.Symlink(symlinkPath, b.Dst)
			if err != nil {
				return fmt.Errorf("failed to copy symlink:\n%w", err)
			}

			return nil
		}
	}

	srcFileInfo, err := os.Stat(b.Src)
	if err != nil {
		return fmt.Errorf("failed to read source file info:\n%w", err)
	}

	if srcFileInfo.IsDir() {
		return fmt.Errorf("source (%s) is not a file", b.Src)
	}

	srcFile, err := os.Open(b.Src)
	if err != nil {
		return fmt.Errorf("failed to open source file:\n%w", err)
	}
	defer func() {
		if srcFile != nil {
			srcFile.Close()
		}
	}()

	dstFileMode := b.FileMode
	if !b.ChangeFileMode {
		dstFileMode = srcFileInfo.Mode()
	}

	err = CreateDestinationDir(b.Dst, b.DirFileMode)
	if err != nil {
		return fmt.Errorf("failed to create destination directory (%s):\n%w", b.Dst, err)
	}

	dstFile, err := os.OpenFile(b.Dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, dstFileMode)
	if err != nil {
		return fmt.Errorf("failed to create destination file:\n%w", err)
	}
	defer func() {
		if dstFile != nil {
			dstFile.Close()
		}
	}()

	// The permissions given to OpenFile are subject to umask, so re-apply
	// them to ensure they match exactly.
	err = dstFile.Chmod(dstFileMode)
	if err != nil {
		return fmt.Errorf("failed to set destination file permissions:\n%w", err)
	}

	_, err = io.Copy(dstFile, srcFile)
	if err != nil {
		return fmt.Errorf("failed to copy file:\n%w", err)
	}

	err = dstFile.Close()
	dstFile = nil
	if err != nil {
		return fmt.Errorf("failed to finalize destination file:\n%w", err)
	}

	err = srcFile.Close()
	srcFile = nil
	if err != nil {
		return fmt.Errorf("failed to finalize source file:\n%w", err)
	}

	return nil
}

// CreateDestinationDir ensures the parent directory of dst exists.
func CreateDestinationDir(dst string, dirMode os.FileMode) error {
	dir := filepath.Dir(dst)
	return os.MkdirAll(dir, dirMode)
}
