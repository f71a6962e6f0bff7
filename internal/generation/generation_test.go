// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

package generation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeBootSpec(t *testing.T, dir string, contents string) {
	require.NoError(t, os.WriteFile(filepath.Join(dir, "boot.json"), []byte(contents), 0o644))
}

func TestDiscoverAndLoad(t *testing.T) {
	root := t.TempDir()
	profiles := filepath.Join(root, "profiles")
	require.NoError(t, os.MkdirAll(profiles, 0o755))

	gen1Store := filepath.Join(root, "gen1")
	require.NoError(t, os.MkdirAll(gen1Store, 0o755))
	writeBootSpec(t, gen1Store, `{
		"kernel": "/nix/store/aaa-linux/bzImage",
		"initrd": "/nix/store/bbb-initrd/initrd",
		"kernelParams": ["console=ttyS0", "init=/nix/store/aaa-linux/init"],
		"label": "NixOS",
		"toplevel": "/nix/store/ccc-toplevel"
	}`)

	require.NoError(t, os.Symlink(gen1Store, filepath.Join(profiles, "system-1-link")))

	gens, storePaths, err := Discover(profiles)
	require.NoError(t, err)
	require.Equal(t, []int{1}, gens)
	require.Equal(t, gen1Store, storePaths[1])

	bootables, err := Load(1, storePaths[1])
	require.NoError(t, err)
	require.Len(t, bootables, 1)
	require.Equal(t, "NixOS", bootables[0].Label)
	require.Equal(t, []string{"console=ttyS0", "init=/nix/store/aaa-linux/init"}, bootables[0].KernelParams)
}

func TestLoadExpandsSpecialisations(t *testing.T) {
	store := t.TempDir()
	writeBootSpec(t, store, `{
		"kernel": "/nix/store/aaa-linux/bzImage",
		"initrd": "/nix/store/bbb-initrd/initrd",
		"kernelParams": [],
		"label": "NixOS",
		"toplevel": "/nix/store/ccc-toplevel",
		"specialisation": {
			"variant-b": {
				"kernel": "/nix/store/bbb-linux/bzImage",
				"initrd": "/nix/store/bbb-initrd/initrd",
				"kernelParams": [],
				"label": "NixOS (variant-b)",
				"toplevel": "/nix/store/ccc-toplevel"
			},
			"variant-a": {
				"kernel": "/nix/store/ccc-linux/bzImage",
				"initrd": "/nix/store/bbb-initrd/initrd",
				"kernelParams": [],
				"label": "NixOS (variant-a)",
				"toplevel": "/nix/store/ccc-toplevel"
			}
		}
	}`)

	bootables, err := Load(1, store)
	require.NoError(t, err)
	require.Len(t, bootables, 3)
	require.Equal(t, "", bootables[0].Specialisation)
	// Open Question (i): specialisations ordered deterministically by name.
	require.Equal(t, "variant-a", bootables[1].Specialisation)
	require.Equal(t, "variant-b", bootables[2].Specialisation)
}

func TestApplyConfigurationLimit(t *testing.T) {
	all := []Bootable{{Generation: 1}, {Generation: 2}, {Generation: 3}, {Generation: 4}}

	require.Equal(t, all, ApplyConfigurationLimit(all, 0))

	limited := ApplyConfigurationLimit(all, 2)
	gens := []int{limited[0].Generation, limited[1].Generation}
	require.ElementsMatch(t, []int{3, 4}, gens)

	limitedWithKeep := ApplyConfigurationLimit(all, 1, 1)
	keptGens := make([]int, 0, len(limitedWithKeep))
	for _, b := range limitedWithKeep {
		keptGens = append(keptGens, b.Generation)
	}
	require.ElementsMatch(t, []int{1, 4}, keptGens)
}

func TestResolveLinksRejectsWrongName(t *testing.T) {
	_, _, err := ResolveLinks([]string{"/tmp/not-a-link"})
	require.Error(t, err)
}
