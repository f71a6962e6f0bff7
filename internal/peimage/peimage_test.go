// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

package peimage

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildMinimalPE64 constructs the smallest PE32+ image Parse/Append can
// operate on: a DOS header, COFF file header, a 64-bit optional header with
// sixteen (zeroed) data directories, and a single ".text" section
// containing one byte.
func buildMinimalPE64(t *testing.T) []byte {
	t.Helper()

	const (
		peStart          = 0x80
		numDataDirs      = 16
		optHeaderSize    = 112 + numDataDirs*8
		sectionTableOff  = peStart + 4 + 20 + optHeaderSize
		sectionRawOffset = 0x200
	)

	buf := make([]byte, sectionRawOffset+0x200)

	// DOS header: e_lfanew at 0x3C points at the PE signature.
	binary.LittleEndian.PutUint32(buf[0x3C:0x40], peStart)
	copy(buf[0:2], "MZ")

	// PE signature.
	copy(buf[peStart:peStart+4], "PE\x00\x00")

	// COFF file header (20 bytes).
	coff := buf[peStart+4:]
	binary.LittleEndian.PutUint16(coff[0:2], 0x8664) // Machine: x86_64
	binary.LittleEndian.PutUint16(coff[2:4], 1)       // NumberOfSections
	binary.LittleEndian.PutUint16(coff[16:18], uint16(optHeaderSize))

	// Optional header (PE32+).
	opt := coff[20:]
	binary.LittleEndian.PutUint16(opt[0:2], peMagicPE32Plus)
	binary.LittleEndian.PutUint32(opt[32:36], defaultSectionAlignment)
	binary.LittleEndian.PutUint32(opt[36:40], defaultFileAlignment)
	binary.LittleEndian.PutUint32(opt[56:60], 0x2000) // SizeOfImage placeholder
	binary.LittleEndian.PutUint32(opt[60:64], 0x200)  // SizeOfHeaders
	binary.LittleEndian.PutUint16(opt[68:70], 10)     // Subsystem: EFI application
	binary.LittleEndian.PutUint32(opt[108:112], numDataDirs)

	// One ".text" section header.
	sh := buf[sectionTableOff : sectionTableOff+40]
	copy(sh[0:8], "\x2E\x74\x65\x78\x74\x00\x00\x00") // ".text\0\0\0"
	binary.LittleEndian.PutUint32(sh[8:12], 1)         // VirtualSize
	binary.LittleEndian.PutUint32(sh[12:16], 0x1000)   // VirtualAddress
	binary.LittleEndian.PutUint32(sh[16:20], defaultFileAlignment)
	binary.LittleEndian.PutUint32(sh[20:24], sectionRawOffset)
	sh[39] = 0x40 // Characteristics high byte: IMAGE_SCN_MEM_READ

	buf[sectionRawOffset] = 0x90 // NOP, stand-in for code bytes

	return buf
}

func TestParseRoundTrip(t *testing.T) {
	raw := buildMinimalPE64(t)

	img, err := Parse(raw)
	require.NoError(t, err)

	sections := img.Sections()
	require.Len(t, sections, 1)
	require.Equal(t, ".text", sections[0].Name)
}

func TestSectionBytesMissing(t *testing.T) {
	img, err := Parse(buildMinimalPE64(t))
	require.NoError(t, err)

	_, err = img.SectionBytes(".cmdline")
	require.Error(t, err)
}

func TestAppendAddsSectionsReadableBack(t *testing.T) {
	img, err := Parse(buildMinimalPE64(t))
	require.NoError(t, err)

	cmdline := []byte("console=ttyS0 init=/nix/store/abc/init")
	osrel := []byte("NAME=NixOS\n")

	out, err := img.Append([]NamedBytes{
		{Name: ".cmdline", Bytes: cmdline},
		{Name: ".osrel", Bytes: osrel},
	})
	require.NoError(t, err)

	appended, err := Parse(out)
	require.NoError(t, err)

	sections := appended.Sections()
	require.Len(t, sections, 3)

	gotCmdline, err := appended.SectionBytes(".cmdline")
	require.NoError(t, err)
	require.Equal(t, cmdline, gotCmdline[:len(cmdline)])

	gotOsrel, err := appended.SectionBytes(".osrel")
	require.NoError(t, err)
	require.Equal(t, osrel, gotOsrel[:len(osrel)])

	originalText, err := appended.SectionBytes(".text")
	require.NoError(t, err)
	require.Equal(t, byte(0x90), originalText[0])
}

func TestAppendIsDeterministic(t *testing.T) {
	img1, err := Parse(buildMinimalPE64(t))
	require.NoError(t, err)
	img2, err := Parse(buildMinimalPE64(t))
	require.NoError(t, err)

	sections := []NamedBytes{{Name: ".uname", Bytes: []byte("6.6.0")}}

	out1, err := img1.Append(sections)
	require.NoError(t, err)
	out2, err := img2.Append(sections)
	require.NoError(t, err)

	require.Equal(t, out1, out2)
}
