// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

package reconcile

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/nix-community/lanzaboote-go/internal/esplayout"
	"github.com/nix-community/lanzaboote-go/internal/generation"
	"github.com/nix-community/lanzaboote-go/internal/peimage"
)

// buildMinimalPE64 constructs the smallest PE32+ image peimage.Parse/Append
// can operate on, mirroring internal/peimage's own test fixture (duplicated
// here since those helpers are unexported).
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

// buildUKIFixture produces a real, parseable UKI whose .linux/.linuxh/
// .initrdp/.initrdh sections match the given detached artefact names and
// content, so esplayout.ReadInventory recognises it as installed.
func buildUKIFixture(t *testing.T, kernelName string, kernelBytes []byte, initrdName string, initrdBytes []byte) []byte {
	t.Helper()

	img, err := peimage.Parse(buildMinimalPE64())
	require.NoError(t, err)

	kernelHash := esplayout.HashBytes(kernelBytes)
	initrdHash := esplayout.HashBytes(initrdBytes)

	out, err := img.Append([]peimage.NamedBytes{
		{Name: ".linux", Bytes: []byte(kernelName)},
		{Name: ".linuxh", Bytes: kernelHash[:]},
		{Name: ".initrdp", Bytes: []byte(initrdName)},
		{Name: ".initrdh", Bytes: initrdHash[:]},
	})
	require.NoError(t, err)
	return out
}

func plannedFixture(gen int, kernel, initrd, uki []byte) PlannedGeneration {
	return PlannedGeneration{
		Bootable:    generation.Bootable{Generation: gen},
		KernelBytes: kernel,
		KernelName:  esplayout.KernelName(kernel),
		InitrdBytes: initrd,
		InitrdName:  esplayout.InitrdName(initrd),
		UnsignedUKI: uki,
		UKIBytes:    uki,
		UKIName:     esplayout.UKIName(gen, "", uki, -1, -1),
	}
}

func TestComputeDiffInstallsMissingArtefacts(t *testing.T) {
	pg := plannedFixture(1, []byte("kernel-bytes"), []byte("initrd-bytes"), []byte("uki-bytes"))

	diff := ComputeDiff(esplayout.Inventory{
		DetachedKernels: map[string]struct{}{},
		DetachedInitrds: map[string]struct{}{},
	}, []PlannedGeneration{pg})

	require.Contains(t, diff.InstallKernels, pg.KernelName)
	require.Contains(t, diff.InstallInitrds, pg.InitrdName)
	require.Contains(t, diff.InstallUKIs, pg.UKIName)
	require.Empty(t, diff.RemoveKernels)
	require.Empty(t, diff.RemoveInitrds)
	require.Empty(t, diff.RemoveUKIs)
}

func TestComputeDiffNoOpWhenAlreadyInstalled(t *testing.T) {
	pg := plannedFixture(1, []byte("kernel-bytes"), []byte("initrd-bytes"), []byte("uki-bytes"))

	inv := esplayout.Inventory{
		DetachedKernels: map[string]struct{}{pg.KernelName: {}},
		DetachedInitrds: map[string]struct{}{pg.InitrdName: {}},
		UKIs: []esplayout.InstalledUKI{{
			Filename:      pg.UKIName,
			KernelESPName: pg.KernelName,
			InitrdESPName: pg.InitrdName,
		}},
	}

	diff := ComputeDiff(inv, []PlannedGeneration{pg})

	require.Empty(t, diff.InstallKernels)
	require.Empty(t, diff.InstallInitrds)
	require.Empty(t, diff.InstallUKIs)
}

func TestComputeDiffReinstallsUKIWhenDetachedArtefactMissing(t *testing.T) {
	pg := plannedFixture(1, []byte("kernel-bytes"), []byte("initrd-bytes"), []byte("uki-bytes"))

	// UKI is present, but its referenced kernel has gone missing from
	// NixosDir (e.g. a previous partial write) — invariant I2/I3 forces a
	// reinstall even though the UKI filename already matches.
	inv := esplayout.Inventory{
		DetachedKernels: map[string]struct{}{},
		DetachedInitrds: map[string]struct{}{pg.InitrdName: {}},
		UKIs: []esplayout.InstalledUKI{{
			Filename:      pg.UKIName,
			KernelESPName: pg.KernelName,
			InitrdESPName: pg.InitrdName,
		}},
	}

	diff := ComputeDiff(inv, []PlannedGeneration{pg})
	require.Contains(t, diff.InstallUKIs, pg.UKIName)
}

func TestComputeDiffRemovesOrphans(t *testing.T) {
	inv := esplayout.Inventory{
		DetachedKernels: map[string]struct{}{"kernel-stale.efi": {}},
		DetachedInitrds: map[string]struct{}{"initrd-stale.efi": {}},
		UKIs:            []esplayout.InstalledUKI{{Filename: "nixos-generation-1-stale.efi"}},
	}

	diff := ComputeDiff(inv, nil)
	require.Equal(t, []string{"kernel-stale.efi"}, diff.RemoveKernels)
	require.Equal(t, []string{"initrd-stale.efi"}, diff.RemoveInitrds)
	require.Equal(t, []string{"nixos-generation-1-stale.efi"}, diff.RemoveUKIs)
}

func TestCheckSpaceRejectsInsufficientFreeSpace(t *testing.T) {
	diff := Diff{InstallKernels: map[string][]byte{"kernel-a.efi": make([]byte, 100)}}

	require.NoError(t, CheckSpace("esp0", 100, diff))
	require.Error(t, CheckSpace("esp0", 99, diff))
}

func TestExecuteWritesAndRemoves(t *testing.T) {
	fs := afero.NewMemMapFs()
	esp := ESP{MountPoint: "/", Fs: fs}

	diff := Diff{
		InstallKernels: map[string][]byte{"kernel-a.efi": []byte("kernel")},
		InstallInitrds: map[string][]byte{"initrd-a.efi": []byte("initrd")},
		InstallUKIs:    map[string][]byte{"nixos-generation-1-a.efi": []byte("uki")},
		RemoveKernels:  []string{"kernel-old.efi"},
	}

	require.NoError(t, fs.MkdirAll(esplayout.NixosDir, 0o755))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(esplayout.NixosDir, "kernel-old.efi"), []byte("x"), 0o644))

	require.NoError(t, Execute(esp, diff))

	got, err := afero.ReadFile(fs, filepath.Join(esplayout.NixosDir, "kernel-a.efi"))
	require.NoError(t, err)
	require.Equal(t, "kernel", string(got))

	got, err = afero.ReadFile(fs, filepath.Join(esplayout.LinuxDir, "nixos-generation-1-a.efi"))
	require.NoError(t, err)
	require.Equal(t, "uki", string(got))

	exists, err := afero.Exists(fs, filepath.Join(esplayout.NixosDir, "kernel-old.efi"))
	require.NoError(t, err)
	require.False(t, exists)

	// No temp files should survive a clean run.
	tmpExists, err := afero.Exists(fs, filepath.Join(esplayout.NixosDir, "kernel-a.efi.lzbt-tmp"))
	require.NoError(t, err)
	require.False(t, tmpExists)
}

func TestExecuteIsIdempotentOnExistingFinalPath(t *testing.T) {
	fs := afero.NewMemMapFs()
	esp := ESP{MountPoint: "/", Fs: fs}

	require.NoError(t, fs.MkdirAll(esplayout.NixosDir, 0o755))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(esplayout.NixosDir, "kernel-a.efi"), []byte("already-there"), 0o644))

	diff := Diff{InstallKernels: map[string][]byte{"kernel-a.efi": []byte("new-bytes-would-differ")}}
	require.NoError(t, Execute(esp, diff))

	got, err := afero.ReadFile(fs, filepath.Join(esplayout.NixosDir, "kernel-a.efi"))
	require.NoError(t, err)
	require.Equal(t, "already-there", string(got))
}

func TestReconcileAllReportsPerESPResultsAndAggregatesErrors(t *testing.T) {
	pg := plannedFixture(1, []byte("kernel-bytes"), []byte("initrd-bytes"), []byte("uki-bytes"))

	okFs := afero.NewMemMapFs()
	targets := []Target{
		{Name: "esp-ok", ESP: ESP{MountPoint: "/", Fs: okFs}},
		{
			Name: "esp-full",
			ESP:  ESP{MountPoint: "/", Fs: afero.NewMemMapFs()},
			FreeBytes: func() (int64, error) {
				return 0, nil
			},
		},
	}

	results, err := ReconcileAll(context.Background(), []PlannedGeneration{pg}, targets)
	require.Error(t, err)
	require.Len(t, results, 2)

	byName := map[string]Result{}
	for _, r := range results {
		byName[r.Target] = r
	}

	require.True(t, byName["esp-ok"].Changed)
	require.NoError(t, byName["esp-ok"].Err)

	require.Error(t, byName["esp-full"].Err)

	installed, err := afero.ReadFile(okFs, filepath.Join(esplayout.LinuxDir, pg.UKIName))
	require.NoError(t, err)
	require.Equal(t, pg.UKIBytes, installed)
}

func TestReconcileAllNoOpWhenAlreadyUpToDate(t *testing.T) {
	pg := plannedFixture(1, []byte("kernel-bytes"), []byte("initrd-bytes"), []byte("uki-bytes"))
	// ReadInventory only recognises a UKI as installed once its sections
	// parse back out, so the on-ESP UKI must be a real PE, not pg.UKIBytes.
	realUKI := buildUKIFixture(t, pg.KernelName, pg.KernelBytes, pg.InitrdName, pg.InitrdBytes)
	pg.UKIName = esplayout.UKIName(pg.Bootable.Generation, "", realUKI, -1, -1)

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(esplayout.NixosDir, 0o755))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(esplayout.NixosDir, pg.KernelName), pg.KernelBytes, 0o644))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(esplayout.NixosDir, pg.InitrdName), pg.InitrdBytes, 0o644))
	require.NoError(t, fs.MkdirAll(esplayout.LinuxDir, 0o755))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(esplayout.LinuxDir, pg.UKIName), realUKI, 0o644))

	results, err := ReconcileAll(context.Background(), []PlannedGeneration{pg}, []Target{
		{Name: "esp0", ESP: ESP{MountPoint: "/", Fs: fs}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].Changed)
}
