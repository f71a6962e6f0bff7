// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

// Package generation implements spec.md §4.E, the Generation Graph:
// enumerating current and prior generations (and their specialisations)
// from a directory of store-path symlinks, expanding each into the set of
// bootable entries the reconciliation engine (internal/reconcile) installs.
package generation

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/nix-community/lanzaboote-go/internal/bootspec"
	"github.com/nix-community/lanzaboote-go/internal/lzerr"
)

// Bootable is one entry the first-stage loader shows, per spec.md §3.
// Identity is (Generation, Specialisation).
type Bootable struct {
	Generation      int
	Specialisation  string // "" for the base generation entry
	KernelPath      string
	InitrdPath      string
	KernelParams    []string
	Label           string
	SortKey         string
	InitrdSecrets   string // external command, optional
	Toplevel        string
}

func (b Bootable) String() string {
	if b.Specialisation == "" {
		return fmt.Sprintf("generation %d", b.Generation)
	}
	return fmt.Sprintf("generation %d (specialisation %s)", b.Generation, b.Specialisation)
}

var linkPattern = regexp.MustCompile(`^system-(\d+)-link$`)

// link is one discovered generation-link entry.
type link struct {
	generation int
	storePath  string
}

// Discover globs profilesDir for system-<N>-link entries and resolves each
// symlink's target store path. It returns the generation numbers in
// ascending order and a map from generation number to store path; reading
// each boot spec and expanding specialisations is left to Load.
func Discover(profilesDir string) ([]int, map[int]string, error) {
	entries, err := os.ReadDir(profilesDir)
	if err != nil {
		return nil, nil, lzerr.Wrap(lzerr.InvalidGeneration, err, fmt.Sprintf("failed to list %s", profilesDir))
	}

	var links []link
	for _, e := range entries {
		m := linkPattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		gen, _ := strconv.Atoi(m[1])

		target, err := os.Readlink(filepath.Join(profilesDir, e.Name()))
		if err != nil {
			return nil, nil, lzerr.Wrap(lzerr.InvalidGeneration, err, fmt.Sprintf("failed to resolve %s", e.Name()))
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(profilesDir, target)
		}
		links = append(links, link{generation: gen, storePath: target})
	}

	sort.Slice(links, func(i, j int) bool { return links[i].generation < links[j].generation })

	gens := make([]int, 0, len(links))
	storePaths := make(map[int]string, len(links))
	for _, l := range links {
		gens = append(gens, l.generation)
		storePaths[l.generation] = l.storePath
	}
	return gens, storePaths, nil
}

// ResolveLinks resolves an explicit list of system-<N>-link paths (as given
// directly on the installer CLI, per spec.md §6's
// "<generation-link> [<generation-link>...]"), rather than globbing a
// directory the way Discover does. Entries whose basename does not match
// the expected link naming are rejected with InvalidGeneration.
func ResolveLinks(paths []string) ([]int, map[int]string, error) {
	var links []link
	for _, p := range paths {
		m := linkPattern.FindStringSubmatch(filepath.Base(p))
		if m == nil {
			return nil, nil, lzerr.New(lzerr.InvalidGeneration, fmt.Sprintf("%q is not a system-<N>-link path", p))
		}
		gen, _ := strconv.Atoi(m[1])

		target, err := os.Readlink(p)
		if err != nil {
			return nil, nil, lzerr.Wrap(lzerr.InvalidGeneration, err, fmt.Sprintf("failed to resolve %s", p))
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(p), target)
		}
		links = append(links, link{generation: gen, storePath: target})
	}

	sort.Slice(links, func(i, j int) bool { return links[i].generation < links[j].generation })

	gens := make([]int, 0, len(links))
	storePaths := make(map[int]string, len(links))
	for _, l := range links {
		gens = append(gens, l.generation)
		storePaths[l.generation] = l.storePath
	}
	return gens, storePaths, nil
}

// Load reads and parses the boot spec at storePath/boot.json, expanding its
// specialisations into sibling Bootables.
func Load(generation int, storePath string) ([]Bootable, error) {
	raw, err := os.ReadFile(filepath.Join(storePath, "boot.json"))
	if err != nil {
		return nil, lzerr.Wrap(lzerr.BootSpecParse, err, fmt.Sprintf("failed to read boot spec for generation %d", generation))
	}

	spec, err := bootspec.Parse(raw)
	if err != nil {
		return nil, err
	}

	var out []Bootable
	out = append(out, bootableFromSpec(generation, "", spec, spec.Toplevel))

	// Specialisations are nested entries sharing the parent's generation
	// number but carrying their own kernel/initrd/params.
	names := make([]string, 0, len(spec.Specialisation))
	for name := range spec.Specialisation {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		sub := spec.Specialisation[name]
		out = append(out, bootableFromSpec(generation, name, sub, spec.Toplevel))
	}

	return out, nil
}

func bootableFromSpec(generation int, specialisation string, spec bootspec.Spec, toplevel string) Bootable {
	return Bootable{
		Generation:     generation,
		Specialisation: specialisation,
		KernelPath:     spec.Kernel,
		InitrdPath:     spec.Initrd,
		KernelParams:   spec.KernelParams,
		Label:          spec.Label,
		SortKey:        spec.SortKey(),
		InitrdSecrets:  spec.InitrdSecrets,
		Toplevel:       toplevel,
	}
}

// ApplyConfigurationLimit keeps only the `limit` most recent generations
// (by generation number) plus any generations named in keep (the currently
// booted and default generations, which spec.md §4.E says are never
// pruned). limit <= 0 means unlimited (spec.md §9 open question iii).
func ApplyConfigurationLimit(all []Bootable, limit int, keep ...int) []Bootable {
	if limit <= 0 {
		return all
	}

	keepSet := make(map[int]struct{}, len(keep))
	for _, g := range keep {
		keepSet[g] = struct{}{}
	}

	generations := make(map[int]struct{})
	for _, b := range all {
		generations[b.Generation] = struct{}{}
	}
	sorted := make([]int, 0, len(generations))
	for g := range generations {
		sorted = append(sorted, g)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	retained := make(map[int]struct{}, limit)
	for _, g := range sorted {
		if len(retained) < limit {
			retained[g] = struct{}{}
			continue
		}
		if _, ok := keepSet[g]; ok {
			retained[g] = struct{}{}
		}
	}

	var out []Bootable
	for _, b := range all {
		if _, ok := retained[b.Generation]; ok {
			out = append(out, b)
		}
	}
	return out
}
