// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nix-community/lanzaboote-go/internal/stubruntime"
)

// placeholderFirmware is the non-UEFI stand-in for stubruntime.FirmwareServices
// documented at the top of main.go: it resolves ESP-relative paths against
// the directory this binary itself lives in (treating that directory as
// the volume root), and it no-ops PCR/variable operations rather than
// calling real firmware protocols. A UEFI-targeting build replaces this
// file with one backed by real Boot Services / go-efilib / go-tpm2 calls;
// stubruntime.Run's logic is unchanged either way.
type placeholderFirmware struct {
	volumeRoot string
}

func newPlaceholderFirmware() *placeholderFirmware {
	exe, err := os.Executable()
	root := "/"
	if err == nil {
		root = filepath.Dir(exe)
	}
	return &placeholderFirmware{volumeRoot: root}
}

var _ stubruntime.FirmwareServices = (*placeholderFirmware)(nil)

func (f *placeholderFirmware) ReadOwnVolumeFile(espRelativePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(f.volumeRoot, espRelativePath))
}

func (f *placeholderFirmware) LoadImage(kernelBytes []byte) (any, error) {
	return kernelBytes, nil
}

func (f *placeholderFirmware) RegisterInitrdMedia(initrdBytes []byte) (func(), error) {
	return func() {}, nil
}

func (f *placeholderFirmware) SetStringVariable(name string, value string) error {
	return os.Setenv("LANZABOOTE_VAR_"+name, value)
}

func (f *placeholderFirmware) SetUint64Variable(name string, value uint64) error {
	return os.Setenv("LANZABOOTE_VAR_"+name, fmt.Sprintf("%d", value))
}

func (f *placeholderFirmware) SetUint32Variable(name string, value uint32) error {
	return os.Setenv("LANZABOOTE_VAR_"+name, fmt.Sprintf("%d", value))
}

func (f *placeholderFirmware) HasTPM() bool { return false }

func (f *placeholderFirmware) ExtendPCR(pcrIndex int, description string, eventData []byte) error {
	return nil
}

func (f *placeholderFirmware) RenameOwnFile(oldName, newName string) error {
	return os.Rename(filepath.Join(f.volumeRoot, oldName), filepath.Join(f.volumeRoot, newName))
}

func (f *placeholderFirmware) StartImage(imageHandle any) error {
	return nil
}
