// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

// Package esplayout implements spec.md §4.D, the ESP Layout & Naming
// component: deterministic content-addressed filenames for detached
// kernels/initrds/UKIs, the fixed on-ESP directory layout, and recovering
// an ESP's installed-generation inventory by globbing and reading sections.
package esplayout

import (
	"crypto/sha256"
	"encoding/base32"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/nix-community/lanzaboote-go/internal/peimage"
)

// Fixed ESP-relative paths, per spec.md §4.D and §6.
const (
	LinuxDir       = "/EFI/Linux"
	NixosDir       = "/EFI/nixos"
	LoaderConfPath = "/loader/loader.conf"
	EntriesSrel    = "/loader/entries.srel"
	AutoEnrolDir   = "/loader/keys/auto"
)

// base32Encoding matches spec.md's "base32 (RFC 4648 alphabet, lowercased,
// padding stripped)".
var base32Encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func encodeHash(h [32]byte) string {
	return strings.ToLower(base32Encoding.EncodeToString(h[:]))
}

// HashBytes returns sha256(content).
func HashBytes(content []byte) [32]byte {
	return sha256.Sum256(content)
}

// KernelName returns the content-addressed ESP-relative filename for a
// detached kernel, invariant I1.
func KernelName(content []byte) string {
	return fmt.Sprintf("kernel-%s.efi", encodeHash(HashBytes(content)))
}

// InitrdName returns the content-addressed ESP-relative filename for a
// detached initrd (after secrets have been appended), invariant I1.
func InitrdName(content []byte) string {
	return fmt.Sprintf("initrd-%s.efi", encodeHash(HashBytes(content)))
}

// UKIName builds a UKI filename from its identity and unsigned content
// hash, per spec.md §6's filename grammar. triesLeft < 0 means "no
// boot-counting suffix"; triesDone < 0 means "omit the -<done> part".
func UKIName(generation int, specialisation string, unsignedUKI []byte, triesLeft, triesDone int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "nixos-generation-%d", generation)
	if specialisation != "" {
		fmt.Fprintf(&b, "-specialisation-%s", specialisation)
	}
	fmt.Fprintf(&b, "-%s", encodeHash(HashBytes(unsignedUKI)))
	if triesLeft >= 0 {
		fmt.Fprintf(&b, "+%d", triesLeft)
		if triesDone >= 0 {
			fmt.Fprintf(&b, "-%d", triesDone)
		}
	}
	b.WriteString(".efi")
	return b.String()
}

// ukiNamePattern matches spec.md §6's filename grammar:
// nixos-generation-<N>(-specialisation-<name>)?-<52-char base32>(\+<tries>(-<done>)?)?\.efi
// UKIs are always written with lowercase base32 hashes (encodeHash), so the
// character class matches lowercase only.
var ukiNamePattern = regexp.MustCompile(
	`^nixos-generation-(\d+)(?:-specialisation-([A-Za-z0-9_.-]+))?-([a-z2-7]{52})(?:\+(\d+)(?:-(\d+))?)?\.efi$`,
)

// ParsedUKIName is the decomposition of a UKI filename recognised by
// ukiNamePattern.
type ParsedUKIName struct {
	Generation     int
	Specialisation string // "" if none
	ContentHash    string // base32, lowercase as stored in the regex match
	TriesLeft      int    // -1 if absent
	TriesDone      int    // -1 if absent
}

// ParseUKIName decomposes a UKI filename, or returns false if it does not
// match the expected grammar (e.g. a file left by something else).
func ParseUKIName(name string) (ParsedUKIName, bool) {
	m := ukiNamePattern.FindStringSubmatch(name)
	if m == nil {
		return ParsedUKIName{}, false
	}

	gen, _ := strconv.Atoi(m[1])
	triesLeft, triesDone := -1, -1
	if m[4] != "" {
		triesLeft, _ = strconv.Atoi(m[4])
	}
	if m[5] != "" {
		triesDone, _ = strconv.Atoi(m[5])
	}

	return ParsedUKIName{
		Generation:     gen,
		Specialisation: m[2],
		ContentHash:    m[3],
		TriesLeft:      triesLeft,
		TriesDone:      triesDone,
	}, true
}

// InstalledUKI describes one UKI found on an ESP during inventory.
type InstalledUKI struct {
	Filename       string
	Parsed         ParsedUKIName
	KernelESPName  string // from .linux
	KernelHash     [32]byte
	InitrdESPName  string // from .initrdp
	InitrdHash     [32]byte
}

// Inventory is the observed state of one ESP, per spec.md §4.D.
type Inventory struct {
	DetachedKernels map[string]struct{} // basenames present under NixosDir
	DetachedInitrds map[string]struct{}
	UKIs            []InstalledUKI
}

// Glob abstracts filesystem listing so reconciliation can be tested without
// touching a real ESP; internal/reconcile's espGlob adapter over afero.Fs
// implements it.
type Glob interface {
	ReadDir(dir string) ([]string, error)
	ReadFile(path string) ([]byte, error)
}

// ReadInventory globs LinuxDir/NixosDir and parses each UKI's sections to
// recover an ESP's installed-generation inventory.
func ReadInventory(fsys Glob) (Inventory, error) {
	inv := Inventory{
		DetachedKernels: map[string]struct{}{},
		DetachedInitrds: map[string]struct{}{},
	}

	nixosFiles, err := fsys.ReadDir(NixosDir)
	if err != nil {
		return inv, fmt.Errorf("failed to list %s:\n%w", NixosDir, err)
	}
	for _, name := range nixosFiles {
		switch {
		case strings.HasPrefix(name, "kernel-"):
			inv.DetachedKernels[name] = struct{}{}
		case strings.HasPrefix(name, "initrd-"):
			inv.DetachedInitrds[name] = struct{}{}
		}
	}

	ukiFiles, err := fsys.ReadDir(LinuxDir)
	if err != nil {
		return inv, fmt.Errorf("failed to list %s:\n%w", LinuxDir, err)
	}
	for _, name := range ukiFiles {
		parsed, ok := ParseUKIName(name)
		if !ok {
			continue
		}

		raw, err := fsys.ReadFile(filepath.Join(LinuxDir, name))
		if err != nil {
			return inv, fmt.Errorf("failed to read UKI %s:\n%w", name, err)
		}

		img, err := peimage.Parse(raw)
		if err != nil {
			// Unparsable files are not a fatal inventory error; they are
			// simply not counted as an installed UKI and will be treated
			// as absent by the reconciliation diff.
			continue
		}

		kernelPath, kErr := img.SectionBytes(".linux")
		kernelHash, khErr := img.SectionBytes(".linuxh")
		initrdPath, iErr := img.SectionBytes(".initrdp")
		initrdHash, ihErr := img.SectionBytes(".initrdh")
		if kErr != nil || khErr != nil || iErr != nil || ihErr != nil {
			continue
		}

		var kh, ih [32]byte
		copy(kh[:], kernelHash)
		copy(ih[:], initrdHash)

		inv.UKIs = append(inv.UKIs, InstalledUKI{
			Filename:      name,
			Parsed:        parsed,
			KernelESPName: strings.TrimRight(string(kernelPath), "\x00"),
			KernelHash:    kh,
			InitrdESPName: strings.TrimRight(string(initrdPath), "\x00"),
			InitrdHash:    ih,
		})
	}

	return inv, nil
}
