// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

package stubruntime

import (
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeFirmware struct {
	files map[string][]byte

	hasTPM      bool
	extended    []string
	vars        map[string]any
	renamed     map[string]string
	loadErr     error
	startErr    error
	releaseCalls int
}

func newFakeFirmware() *fakeFirmware {
	return &fakeFirmware{
		files:   map[string][]byte{},
		vars:    map[string]any{},
		renamed: map[string]string{},
	}
}

func (f *fakeFirmware) ReadOwnVolumeFile(path string) ([]byte, error) {
	b, ok := f.files[path]
	if !ok {
		return nil, errNotFound
	}
	return b, nil
}

var errNotFound = errors.New("no such file")

func (f *fakeFirmware) LoadImage(kernelBytes []byte) (any, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return "image-handle", nil
}

func (f *fakeFirmware) RegisterInitrdMedia(initrdBytes []byte) (func(), error) {
	return func() { f.releaseCalls++ }, nil
}

func (f *fakeFirmware) SetStringVariable(name, value string) error {
	f.vars[name] = value
	return nil
}

func (f *fakeFirmware) SetUint64Variable(name string, value uint64) error {
	f.vars[name] = value
	return nil
}

func (f *fakeFirmware) SetUint32Variable(name string, value uint32) error {
	f.vars[name] = value
	return nil
}

func (f *fakeFirmware) HasTPM() bool { return f.hasTPM }

func (f *fakeFirmware) ExtendPCR(pcrIndex int, description string, eventData []byte) error {
	f.extended = append(f.extended, description)
	return nil
}

func (f *fakeFirmware) RenameOwnFile(oldName, newName string) error {
	f.renamed[oldName] = newName
	return nil
}

func (f *fakeFirmware) StartImage(imageHandle any) error {
	return f.startErr
}

var _ FirmwareServices = (*fakeFirmware)(nil)

func TestRunSucceedsAndExportsVariables(t *testing.T) {
	kernel := []byte("kernel-bytes")
	initrd := []byte("initrd-bytes")
	kh := sha256.Sum256(kernel)
	ih := sha256.Sum256(initrd)

	fw := newFakeFirmware()
	fw.hasTPM = true
	fw.files["/EFI/nixos/kernel-abc.efi"] = kernel
	fw.files["/EFI/nixos/initrd-def.efi"] = initrd

	sections := OwnSections{
		OSRelease:  []byte("NAME=NixOS\n"),
		Cmdline:    []byte("console=ttyS0"),
		KernelPath: "kernel-abc.efi",
		KernelHash: kh,
		InitrdPath: "initrd-def.efi",
		InitrdHash: ih,
	}

	outcome := Run(fw, sections, Context{
		DevicePartUUID:  "1234",
		ImageIdentifier: "\\EFI\\Linux\\nixos-generation-1-xyz.efi",
		FirmwareInfo:    "EDK II",
	})

	require.Equal(t, Started, outcome.State)
	require.Nil(t, outcome.Err)
	require.Equal(t, []string{".osrel", ".cmdline", ".initrd", ".linux"}, fw.extended)
	require.Equal(t, "UEFI", fw.vars[VarLoaderFirmwareType])
	require.Equal(t, "lanzastub "+StubVersion, fw.vars[VarStubInfo])
	require.Equal(t, uint32(11), fw.vars[VarStubPcrKernelImage])
}

func TestRunAbortsOnKernelHashMismatch(t *testing.T) {
	fw := newFakeFirmware()
	fw.files["/EFI/nixos/kernel-abc.efi"] = []byte("tampered")

	sections := OwnSections{
		KernelPath: "kernel-abc.efi",
		KernelHash: sha256.Sum256([]byte("original")),
	}

	outcome := Run(fw, sections, Context{})

	require.Equal(t, Aborted, outcome.State)
	require.ErrorContains(t, outcome.Err, "hash does not match")
	require.Empty(t, fw.extended, "must not measure after a failed hash check")
}

func TestRunAbortsOnMissingKernelFile(t *testing.T) {
	fw := newFakeFirmware()

	sections := OwnSections{KernelPath: "kernel-missing.efi"}

	outcome := Run(fw, sections, Context{})

	require.Equal(t, Aborted, outcome.State)
	require.Error(t, outcome.Err)
}

func TestDecrementBootCounterIgnoresMalformedNames(t *testing.T) {
	fw := newFakeFirmware()
	decrementBootCounter(fw, "not-a-uki-name.efi")
	require.Empty(t, fw.renamed)
}

func TestDecrementBootCounterRenamesOnValidSuffix(t *testing.T) {
	fw := newFakeFirmware()
	hash := "abcdefghijklmnopqrstuvwxyz234567abcdefghijklmnopqrsa" // 52 lowercase base32 chars
	name := "nixos-generation-1-" + hash + "+3.efi"

	decrementBootCounter(fw, name)

	require.Equal(t, "nixos-generation-1-"+hash+"+2-1.efi", fw.renamed[name])
}
