// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

// Package peimage implements spec.md §4.A, the PE Section Model: reading a
// PE/COFF image's named sections and appending new ones at well-defined,
// alignment-respecting virtual addresses without disturbing the image's
// existing sections, relocations, or entry point.
//
// Reading rides on the standard library's debug/pe, which already knows how
// to walk a COFF file/optional header and section table; no example repo in
// this module's lineage carries a third-party PE parser, so debug/pe is the
// grounded choice here (see DESIGN.md). Appending sections has no stdlib or
// pack-library support at all — PE mutation is hand-rolled, matching the
// byte layout debug/pe itself parses.
//
// Only the PE32+ (64-bit) optional header is supported. Every real-world
// lanzaboote stub target (x86_64-unknown-uefi, aarch64-unknown-uefi) uses
// PE32+; PE32 support would only matter for 32-bit UEFI firmware, which this
// module does not target.
package peimage

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"

	"github.com/nix-community/lanzaboote-go/internal/lzerr"
)

const (
	peMagicPE32Plus = 0x20b

	sectionHeaderSize = 40
	maxSectionName    = 8

	// Typical defaults carried by gnu-efi/TinyGo-produced stub PEs.
	defaultSectionAlignment = 0x1000
	defaultFileAlignment    = 0x200
)

// Section is one named section of a PE image, per spec.md §4.A.
type Section struct {
	Name           string
	VirtualAddress uint32
	VirtualSize    uint32
	RawDataOffset  uint32
	RawDataSize    uint32
}

// Image is a parsed PE/COFF image plus a copy of its raw bytes, so that
// Append can produce a complete new image without re-deriving header state.
type Image struct {
	raw     []byte
	file    *pe.File
	opt64   *pe.OptionalHeader64
	peStart int // file offset of the "PE\0\0" signature
}

// Parse reads a PE/COFF image, failing if it is not PE32+.
func Parse(data []byte) (*Image, error) {
	f, err := pe.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse PE image:\n%w", err)
	}

	opt64, ok := f.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		return nil, fmt.Errorf("only PE32+ (64-bit) images are supported")
	}

	peStart, err := findPESignatureOffset(data)
	if err != nil {
		return nil, err
	}

	return &Image{raw: data, file: f, opt64: opt64, peStart: peStart}, nil
}

// Sections returns the ordered sequence of sections in the image.
func (img *Image) Sections() []Section {
	out := make([]Section, 0, len(img.file.Sections))
	for _, s := range img.file.Sections {
		out = append(out, Section{
			Name:           trimSectionName(s.Name),
			VirtualAddress: s.VirtualAddress,
			VirtualSize:    s.VirtualSize,
			RawDataOffset:  s.Offset,
			RawDataSize:    s.Size,
		})
	}
	return out
}

// SectionBytes returns the raw bytes of the named section.
func (img *Image) SectionBytes(name string) ([]byte, error) {
	s := img.file.Section(name)
	if s == nil {
		return nil, lzerr.New(lzerr.SectionMissing, fmt.Sprintf("section %q not present", name))
	}
	data, err := s.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to read section %q:\n%w", name, err)
	}
	return data, nil
}

// NamedBytes is one section to append.
type NamedBytes struct {
	Name  string
	Bytes []byte
}

// Append returns a new, fresh byte buffer containing the image plus the
// given new sections, each placed at the next page-aligned virtual address
// following the previous section, with its raw data placed at the next
// file-aligned offset following the previous section's raw data. Existing
// sections, the entry point, and all bytes before the section table are
// preserved unchanged; only the section count, the section table, and
// SizeOfImage are rewritten.
//
// Append never mutates data already referenced by img; it is not safe to
// reuse img.raw as output storage (the caller owns a fresh slice).
func (img *Image) Append(sections []NamedBytes) ([]byte, error) {
	for _, s := range sections {
		if len(s.Name) > maxSectionName {
			return nil, fmt.Errorf("section name %q exceeds %d bytes", s.Name, maxSectionName)
		}
	}

	sectionAlign := img.opt64.SectionAlignment
	if sectionAlign == 0 {
		sectionAlign = defaultSectionAlignment
	}
	fileAlign := img.opt64.FileAlignment
	if fileAlign == 0 {
		fileAlign = defaultFileAlignment
	}

	existing := img.Sections()
	lastVA, lastVSize := uint32(0), uint32(0)
	lastRawOff, lastRawSize := uint32(0), uint32(0)
	for _, s := range existing {
		if s.VirtualAddress >= lastVA {
			lastVA, lastVSize = s.VirtualAddress, s.VirtualSize
		}
		if s.RawDataOffset >= lastRawOff {
			lastRawOff, lastRawSize = s.RawDataOffset, s.RawDataSize
		}
	}

	nextVA := alignUp(lastVA+lastVSize, sectionAlign)
	nextRawOff := alignUp(lastRawOff+lastRawSize, fileAlign)

	numSectionsOff := img.peStart + 4 + 2 // Signature(4) + Machine(2)
	numSections := binary.LittleEndian.Uint16(img.raw[numSectionsOff : numSectionsOff+2])
	sectionTableOff := img.peStart + 4 + 20 + int(img.fileHeaderOptSize())
	oldTableEnd := sectionTableOff + int(numSections)*sectionHeaderSize

	out := make([]byte, oldTableEnd)
	copy(out, img.raw[:oldTableEnd])

	newHeaders := make([]byte, 0, len(sections)*sectionHeaderSize)
	newPayload := make([]byte, 0)

	va, rawOff := nextVA, nextRawOff
	for _, s := range sections {
		rawSize := alignUp(uint32(len(s.Bytes)), fileAlign)
		header := make([]byte, sectionHeaderSize)
		copy(header[0:maxSectionName], padName(s.Name))
		binary.LittleEndian.PutUint32(header[8:12], uint32(len(s.Bytes)))  // VirtualSize
		binary.LittleEndian.PutUint32(header[12:16], va)                   // VirtualAddress
		binary.LittleEndian.PutUint32(header[16:20], rawSize)              // SizeOfRawData
		binary.LittleEndian.PutUint32(header[20:24], rawOff)               // PointerToRawData
		binary.LittleEndian.PutUint32(header[36:40], 0x40000040)           // IMAGE_SCN_CNT_INITIALIZED_DATA | MEM_READ
		newHeaders = append(newHeaders, header...)

		padded := make([]byte, rawSize)
		copy(padded, s.Bytes)
		newPayload = append(newPayload, padded...)

		va = alignUp(va+uint32(len(s.Bytes)), sectionAlign)
		rawOff += rawSize
	}

	// Insert the new section headers immediately after the existing table.
	out = append(out, newHeaders...)

	// Preserve any bytes between the end of the (old) section table and the
	// first raw data region (this is typically header padding up to
	// SizeOfHeaders), then append existing raw section data verbatim.
	headersEnd := oldTableEnd
	if lastRawOff > 0 {
		firstRawData := uint32(0)
		for _, s := range existing {
			if firstRawData == 0 || s.RawDataOffset < firstRawData {
				firstRawData = s.RawDataOffset
			}
		}
		if int(firstRawData) > headersEnd {
			out = append(out, img.raw[headersEnd:firstRawData]...)
		}
		out = append(out, img.raw[firstRawData:lastRawOff+lastRawSize]...)
	}

	out = append(out, newPayload...)

	// Patch NumberOfSections.
	binary.LittleEndian.PutUint16(out[numSectionsOff:numSectionsOff+2], numSections+uint16(len(sections)))

	// Patch SizeOfImage to cover the last appended section.
	sizeOfImageOff := img.peStart + 4 + 20 + 56
	newSizeOfImage := alignUp(va, sectionAlign)
	binary.LittleEndian.PutUint32(out[sizeOfImageOff:sizeOfImageOff+4], newSizeOfImage)

	return out, nil
}

func (img *Image) fileHeaderOptSize() uint16 {
	off := img.peStart + 4 + 16 // Signature(4)+Machine(2)+NumberOfSections(2)+TimeDateStamp(4)+PointerToSymbolTable(4)+NumberOfSymbols(4)
	return binary.LittleEndian.Uint16(img.raw[off : off+2])
}

func alignUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	rem := v % align
	if rem == 0 {
		return v
	}
	return v + (align - rem)
}

func padName(name string) []byte {
	b := make([]byte, maxSectionName)
	copy(b, name)
	return b
}

func trimSectionName(name string) string {
	for i, c := range name {
		if c == 0 {
			return name[:i]
		}
	}
	return name
}

func findPESignatureOffset(data []byte) (int, error) {
	if len(data) < 0x40 {
		return 0, fmt.Errorf("file too short to contain a DOS header")
	}
	off := int(binary.LittleEndian.Uint32(data[0x3C:0x40]))
	if off+4 > len(data) || string(data[off:off+2]) != "PE" {
		return 0, fmt.Errorf("invalid or missing PE signature")
	}
	return off, nil
}
