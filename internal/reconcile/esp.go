// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

package reconcile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/nix-community/lanzaboote-go/internal/esplayout"
	"github.com/nix-community/lanzaboote-go/internal/logger"
	"github.com/nix-community/lanzaboote-go/internal/lzerr"
)

// ESP is one EFI System Partition target. Fs is an afero.Fs rather than a
// bare path so tests can reconcile against an in-memory filesystem instead
// of a real mounted partition.
type ESP struct {
	MountPoint string
	Fs         afero.Fs
}

// NewOSEsp opens a real, already-mounted ESP at mountPoint.
func NewOSEsp(mountPoint string) ESP {
	return ESP{MountPoint: mountPoint, Fs: afero.NewBasePathFs(afero.NewOsFs(), mountPoint)}
}

// the esplayout.Glob adapter over afero.Fs.
type espGlob struct{ fs afero.Fs }

func (g espGlob) ReadDir(dir string) ([]string, error) {
	entries, err := afero.ReadDir(g.fs, dir)
	if err != nil {
		// A not-yet-provisioned ESP (fresh partition, no /EFI tree) has an
		// empty inventory rather than an error.
		return nil, nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (g espGlob) ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(g.fs, path)
}

func (e ESP) inventory() (esplayout.Inventory, error) {
	return esplayout.ReadInventory(espGlob{fs: e.Fs})
}

// FreeBytesFunc returns free space on the ESP. afero has no portable
// statvfs abstraction, so a Target whose FreeBytes is nil is treated as
// having effectively unlimited space (1<<62 bytes, see reconcileOne); a
// caller that has queried statfs for a real partition sets FreeBytes.
type FreeBytesFunc func() (int64, error)

// Diff is the per-ESP outcome of spec.md §4.F step 2: the files this ESP
// needs written and the files it no longer needs.
type Diff struct {
	InstallKernels map[string][]byte
	InstallInitrds map[string][]byte
	InstallUKIs    map[string][]byte

	RemoveKernels []string
	RemoveInitrds []string
	RemoveUKIs    []string
}

func (d Diff) InstallBytes() int64 {
	var total int64
	for _, b := range d.InstallKernels {
		total += int64(len(b))
	}
	for _, b := range d.InstallInitrds {
		total += int64(len(b))
	}
	for _, b := range d.InstallUKIs {
		total += int64(len(b))
	}
	return total
}

// ComputeDiff implements spec.md §4.F step 2. A UKI counts as "have" only
// if its filename is present AND the detached files it references (by the
// names in its .linux/.initrdp sections) are present on this ESP;
// otherwise it is scheduled for reinstall even though the UKI bytes
// themselves may be unchanged. Presence is checked by filename only: the
// content of a detached file on the ESP is not re-hashed, so a file whose
// bytes no longer match its content-addressed name still counts as present.
func ComputeDiff(inv esplayout.Inventory, planned []PlannedGeneration) Diff {
	diff := Diff{
		InstallKernels: map[string][]byte{},
		InstallInitrds: map[string][]byte{},
		InstallUKIs:    map[string][]byte{},
	}

	wantKernels := map[string][]byte{}
	wantInitrds := map[string][]byte{}
	wantUKIs := map[string][]byte{}

	for _, pg := range planned {
		wantKernels[pg.KernelName] = pg.KernelBytes
		wantInitrds[pg.InitrdName] = pg.InitrdBytes
		wantUKIs[pg.UKIName] = pg.UKIBytes
	}

	for name, bytes := range wantKernels {
		if _, ok := inv.DetachedKernels[name]; !ok {
			diff.InstallKernels[name] = bytes
		}
	}
	for name, bytes := range wantInitrds {
		if _, ok := inv.DetachedInitrds[name]; !ok {
			diff.InstallInitrds[name] = bytes
		}
	}

	haveUKI := make(map[string]esplayout.InstalledUKI, len(inv.UKIs))
	for _, u := range inv.UKIs {
		haveUKI[u.Filename] = u
	}

	for name, bytes := range wantUKIs {
		installed, present := haveUKI[name]
		if !present {
			diff.InstallUKIs[name] = bytes
			continue
		}
		// Reinstall if the referenced detached artefacts are absent or
		// don't match the UKI's recorded hash (invariant I2/I3).
		if _, ok := inv.DetachedKernels[installed.KernelESPName]; !ok {
			diff.InstallUKIs[name] = bytes
			continue
		}
		if _, ok := inv.DetachedInitrds[installed.InitrdESPName]; !ok {
			diff.InstallUKIs[name] = bytes
			continue
		}
	}

	for name := range inv.DetachedKernels {
		if _, ok := wantKernels[name]; !ok {
			diff.RemoveKernels = append(diff.RemoveKernels, name)
		}
	}
	for name := range inv.DetachedInitrds {
		if _, ok := wantInitrds[name]; !ok {
			diff.RemoveInitrds = append(diff.RemoveInitrds, name)
		}
	}
	for _, u := range inv.UKIs {
		if _, ok := wantUKIs[u.Filename]; !ok {
			diff.RemoveUKIs = append(diff.RemoveUKIs, u.Filename)
		}
	}

	return diff
}

// CheckSpace implements spec.md §4.F step 3.
func CheckSpace(espName string, freeBytes int64, diff Diff) error {
	needed := diff.InstallBytes()
	if needed > freeBytes {
		return lzerr.New(lzerr.InsufficientSpace,
			fmt.Sprintf("ESP %s needs %d bytes but only %d are free", espName, needed, freeBytes))
	}
	return nil
}

// Execute implements spec.md §4.F step 4: detached artefacts first (each
// written to a sibling temp name, fsync'd, then renamed), then UKIs, then
// removals. Any error before the first rename leaves the ESP untouched.
func Execute(esp ESP, diff Diff) error {
	for name, bytes := range diff.InstallKernels {
		if err := atomicWrite(esp.Fs, filepath.Join(esplayout.NixosDir, name), bytes); err != nil {
			return lzerr.Wrap(lzerr.IOError, err, fmt.Sprintf("failed to install detached kernel %s", name))
		}
	}
	for name, bytes := range diff.InstallInitrds {
		if err := atomicWrite(esp.Fs, filepath.Join(esplayout.NixosDir, name), bytes); err != nil {
			return lzerr.Wrap(lzerr.IOError, err, fmt.Sprintf("failed to install detached initrd %s", name))
		}
	}
	for name, bytes := range diff.InstallUKIs {
		if err := atomicWrite(esp.Fs, filepath.Join(esplayout.LinuxDir, name), bytes); err != nil {
			return lzerr.Wrap(lzerr.IOError, err, fmt.Sprintf("failed to install UKI %s", name))
		}
	}

	for _, name := range diff.RemoveUKIs {
		logger.Log.Infof("removing orphaned UKI %s", name)
		_ = esp.Fs.Remove(filepath.Join(esplayout.LinuxDir, name))
	}
	for _, name := range diff.RemoveKernels {
		logger.Log.Infof("removing orphaned detached kernel %s", name)
		_ = esp.Fs.Remove(filepath.Join(esplayout.NixosDir, name))
	}
	for _, name := range diff.RemoveInitrds {
		logger.Log.Infof("removing orphaned detached initrd %s", name)
		_ = esp.Fs.Remove(filepath.Join(esplayout.NixosDir, name))
	}

	return nil
}

// atomicWrite implements invariant I5's write discipline: write to a
// sibling temp name, fsync (where the backing Fs supports it), rename into
// place. Writes are skipped (idempotent) if the final path already exists,
// since content-addressing guarantees identical content under that name.
func atomicWrite(fs afero.Fs, finalPath string, content []byte) error {
	if exists, err := afero.Exists(fs, finalPath); err == nil && exists {
		return nil
	}

	if err := fs.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s:\n%w", finalPath, err)
	}

	tempPath := finalPath + ".lzbt-tmp"
	f, err := fs.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp file %s:\n%w", tempPath, err)
	}

	if _, err := f.Write(content); err != nil {
		f.Close()
		return fmt.Errorf("failed to write temp file %s:\n%w", tempPath, err)
	}

	if syncer, ok := f.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("failed to fsync temp file %s:\n%w", tempPath, err)
		}
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file %s:\n%w", tempPath, err)
	}

	if err := fs.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("failed to rename %s into place:\n%w", tempPath, err)
	}

	return nil
}
