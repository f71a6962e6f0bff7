// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

package ukiassemble

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nix-community/lanzaboote-go/internal/peimage"
)

// buildMinimalPE64 mirrors internal/peimage's own test fixture (those
// helpers are unexported, so each consumer package that needs a stub PE to
// assemble onto builds its own copy).
func buildMinimalPE64() []byte {
	const (
		peStart         = 0x80
		numDataDirs     = 16
		optHeaderSize   = 112 + numDataDirs*8
		sectionTableOff = peStart + 4 + 20 + optHeaderSize
		sectionRawOff   = 0x200
	)

	buf := make([]byte, sectionRawOff+0x200)
	binary.LittleEndian.PutUint32(buf[0x3C:0x40], peStart)
	copy(buf[0:2], "MZ")
	copy(buf[peStart:peStart+4], "PE\x00\x00")

	coff := buf[peStart+4:]
	binary.LittleEndian.PutUint16(coff[0:2], 0x8664)
	binary.LittleEndian.PutUint16(coff[2:4], 1)
	binary.LittleEndian.PutUint16(coff[16:18], uint16(optHeaderSize))

	opt := coff[20:]
	binary.LittleEndian.PutUint16(opt[0:2], 0x20b)
	binary.LittleEndian.PutUint32(opt[32:36], 0x1000)
	binary.LittleEndian.PutUint32(opt[36:40], 0x200)
	binary.LittleEndian.PutUint32(opt[56:60], 0x2000)
	binary.LittleEndian.PutUint32(opt[60:64], 0x200)
	binary.LittleEndian.PutUint16(opt[68:70], 10)
	binary.LittleEndian.PutUint32(opt[108:112], numDataDirs)

	sh := buf[sectionTableOff : sectionTableOff+40]
	copy(sh[0:8], "\x2E\x74\x65\x78\x74\x00\x00\x00")
	binary.LittleEndian.PutUint32(sh[8:12], 1)
	binary.LittleEndian.PutUint32(sh[12:16], 0x1000)
	binary.LittleEndian.PutUint32(sh[16:20], 0x200)
	binary.LittleEndian.PutUint32(sh[20:24], sectionRawOff)
	sh[39] = 0x40

	buf[sectionRawOff] = 0x90
	return buf
}

func testSections() Sections {
	kernelHash := [32]byte{1, 2, 3}
	initrdHash := [32]byte{4, 5, 6}
	return NewSections(
		[]byte("NAME=NixOS\n"),
		[]byte("6.6.0"),
		[]string{"console=ttyS0", "init=/nix/store/abc/init"},
		"kernel-aaaa.efi",
		kernelHash,
		"initrd-bbbb.efi",
		initrdHash,
	)
}

func TestNewSectionsJoinsKernelParams(t *testing.T) {
	s := testSections()
	require.Equal(t, "console=ttyS0 init=/nix/store/abc/init", string(s.Cmdline))
	require.Equal(t, "kernel-aaaa.efi", string(s.KernelPath))
	require.Equal(t, "initrd-bbbb.efi", string(s.InitrdPath))
}

func TestAssembleProducesReadableSections(t *testing.T) {
	out, err := Assemble(buildMinimalPE64(), testSections())
	require.NoError(t, err)

	img, err := peimage.Parse(out)
	require.NoError(t, err)

	cmdline, err := img.SectionBytes(".cmdline")
	require.NoError(t, err)
	require.Equal(t, "console=ttyS0 init=/nix/store/abc/init", string(cmdline[:len("console=ttyS0 init=/nix/store/abc/init")]))

	osrel, err := img.SectionBytes(".osrel")
	require.NoError(t, err)
	require.Equal(t, "NAME=NixOS\n", string(osrel[:len("NAME=NixOS\n")]))

	// Optional sections that were never set (e.g. .splash) must not appear.
	_, err = img.SectionBytes(".splash")
	require.Error(t, err)
}

func TestAssembleIsDeterministic(t *testing.T) {
	out1, err := Assemble(buildMinimalPE64(), testSections())
	require.NoError(t, err)
	out2, err := Assemble(buildMinimalPE64(), testSections())
	require.NoError(t, err)

	require.Equal(t, out1, out2)
	require.Equal(t, ContentHash(out1), ContentHash(out2))
}

func TestAssembleDiffersWhenSectionsDiffer(t *testing.T) {
	out1, err := Assemble(buildMinimalPE64(), testSections())
	require.NoError(t, err)

	other := testSections()
	other.Cmdline = []byte("console=ttyS1")
	out2, err := Assemble(buildMinimalPE64(), other)
	require.NoError(t, err)

	require.NotEqual(t, ContentHash(out1), ContentHash(out2))
}

func TestAssembleRejectsInvalidStub(t *testing.T) {
	_, err := Assemble([]byte("not a PE image"), testSections())
	require.Error(t, err)
}
