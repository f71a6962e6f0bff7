// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

// Package ukiassemble implements spec.md §4.B, the Stub Section Assembler:
// given a pristine stub PE and the section blobs a generation resolves to,
// produce a deterministic, unsigned UKI PE ready for internal/signer.
package ukiassemble

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/nix-community/lanzaboote-go/internal/peimage"
)

// Sections holds every byte blob spec.md §4.A names, keyed by the struct
// field rather than the on-disk section name so callers can't typo the
// 8-byte-limited PE section name.
type Sections struct {
	OSRelease   []byte // .osrel
	Cmdline     []byte // .cmdline
	InitrdPath  []byte // .initrdp
	InitrdHash  []byte // .initrdh, 32 bytes (sha256)
	KernelPath  []byte // .linux
	KernelHash  []byte // .linuxh, 32 bytes (sha256)
	Uname       []byte // .uname
	Splash      []byte // .splash, optional
	DTB         []byte // .dtb, optional
	PCRSig      []byte // .pcrsig, optional, opaque
	PCRPublicKey []byte // .pcrpkey, optional
}

// NewSections builds a Sections value from a Bootable's resolved artefact
// names and hashes, joining kernelParams the way systemd-boot UKIs encode
// them: a single space-separated .cmdline blob.
func NewSections(osRelease, uname []byte, kernelParams []string, kernelESPName string, kernelHash [32]byte, initrdESPName string, initrdHash [32]byte) Sections {
	return Sections{
		OSRelease:  osRelease,
		Cmdline:    []byte(strings.Join(kernelParams, " ")),
		InitrdPath: []byte(initrdESPName),
		InitrdHash: initrdHash[:],
		KernelPath: []byte(kernelESPName),
		KernelHash: kernelHash[:],
		Uname:      uname,
	}
}

// Assemble appends Sections onto stubPE in a fixed, deterministic order and
// returns the resulting unsigned UKI bytes. Identical (stubPE, sections)
// inputs always produce byte-identical output, per spec.md §4.B's contract.
func Assemble(stubPE []byte, sections Sections) ([]byte, error) {
	img, err := peimage.Parse(stubPE)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stub PE:\n%w", err)
	}

	// Fixed ordering matters for determinism: append order affects the
	// resulting virtual addresses and therefore the output bytes.
	var toAppend []peimage.NamedBytes
	add := func(name string, data []byte) {
		if data != nil {
			toAppend = append(toAppend, peimage.NamedBytes{Name: name, Bytes: data})
		}
	}

	add(".osrel", sections.OSRelease)
	add(".cmdline", sections.Cmdline)
	add(".initrdp", sections.InitrdPath)
	add(".initrdh", sections.InitrdHash)
	add(".linux", sections.KernelPath)
	add(".linuxh", sections.KernelHash)
	add(".uname", sections.Uname)
	add(".splash", sections.Splash)
	add(".dtb", sections.DTB)
	add(".pcrsig", sections.PCRSig)
	add(".pcrpkey", sections.PCRPublicKey)

	out, err := img.Append(toAppend)
	if err != nil {
		return nil, fmt.Errorf("failed to append UKI sections:\n%w", err)
	}
	return out, nil
}

// ContentHash returns sha256(unsignedUKI), the value embedded in the final
// UKI filename so that re-signing with rotated keys does not change the
// install-time identity of a generation's UKI (spec.md §4.F step 1).
func ContentHash(unsignedUKI []byte) [32]byte {
	return sha256.Sum256(unsignedUKI)
}
