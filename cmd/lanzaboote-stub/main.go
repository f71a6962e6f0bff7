// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

// lanzaboote-stub is spec.md §1's UEFI stub: a freestanding PE/UEFI
// application embedded as a signed UKI, that on execution locates,
// hash-verifies, and chain-loads a detached kernel and initrd from the
// ESP it booted from (spec.md §4.H).
//
// This file is the wiring point between the entry point and
// internal/stubruntime's state machine: it parses the running image's own
// PE sections (internal/peimage), constructs the Context describing this
// boot, and calls stubruntime.Run against placeholderFirmware
// (firmware.go), a host-side FirmwareServices implementation.
//
// A cgo-free, pure-Go binary cannot itself target the EFI application
// subsystem and freestanding UEFI calling convention spec.md §5 requires
// (no allocator beyond Boot Services, no goroutines, no preemption); doing
// so needs a UEFI-aware Go toolchain variant. This package therefore
// stands in as the reference wiring: placeholderFirmware in firmware.go is
// the seam where a UEFI-targeting build substitutes real firmware-protocol
// calls. internal/stubruntime itself has no such dependency and is fully
// portable and testable.
package main

import (
	"os"
	"path/filepath"

	"github.com/nix-community/lanzaboote-go/internal/peimage"
	"github.com/nix-community/lanzaboote-go/internal/stubruntime"
)

// ownSections reads this binary's own PE image (spec.md §4.H step 1/2) and
// extracts the sections stubruntime.Run needs.
func ownSections(img *peimage.Image) (stubruntime.OwnSections, error) {
	var out stubruntime.OwnSections

	kernelPath, err := img.SectionBytes(".linux")
	if err != nil {
		return out, err
	}
	kernelHash, err := img.SectionBytes(".linuxh")
	if err != nil {
		return out, err
	}
	initrdPath, err := img.SectionBytes(".initrdp")
	if err != nil {
		return out, err
	}
	initrdHash, err := img.SectionBytes(".initrdh")
	if err != nil {
		return out, err
	}

	osRelease, _ := img.SectionBytes(".osrel")
	cmdline, _ := img.SectionBytes(".cmdline")
	uname, _ := img.SectionBytes(".uname")

	var kh, ih [32]byte
	copy(kh[:], kernelHash)
	copy(ih[:], initrdHash)

	out.KernelPath = string(kernelPath)
	out.KernelHash = kh
	out.InitrdPath = string(initrdPath)
	out.InitrdHash = ih
	out.OSRelease = osRelease
	out.Cmdline = cmdline
	out.Uname = uname
	return out, nil
}

func main() {
	selfPath, err := os.Executable()
	if err != nil {
		os.Stderr.WriteString("lanzaboote-stub: cannot resolve own image path: " + err.Error() + "\n")
		os.Exit(1)
	}
	raw, err := os.ReadFile(selfPath)
	if err != nil {
		os.Stderr.WriteString("lanzaboote-stub: cannot read own image: " + err.Error() + "\n")
		os.Exit(1)
	}

	img, err := peimage.Parse(raw)
	if err != nil {
		os.Stderr.WriteString("lanzaboote-stub: not a valid PE32+ image: " + err.Error() + "\n")
		os.Exit(1)
	}

	sections, err := ownSections(img)
	if err != nil {
		os.Stderr.WriteString("lanzaboote-stub: " + err.Error() + "\n")
		os.Exit(1)
	}

	outcome := stubruntime.Run(newPlaceholderFirmware(), sections, stubruntime.Context{
		DevicePartUUID:  os.Getenv("LANZABOOTE_DEVICE_PART_UUID"),
		ImageIdentifier: selfPath,
		FirmwareInfo:    "lanzaboote-go reference wiring (non-UEFI build)",
		UKIFilename:     filepath.Base(selfPath),
	})

	if outcome.State != stubruntime.Started {
		os.Stderr.WriteString("lanzaboote-stub: " + outcome.Err.Error() + "\n")
		os.Exit(1)
	}
}
