// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

package esplayout

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKernelNameIsContentAddressed(t *testing.T) {
	content := []byte("not actually a kernel")
	name := KernelName(content)

	require.Regexp(t, `^kernel-[a-z2-7]+\.efi$`, name)
	require.Equal(t, name, KernelName(content), "must be deterministic")
	require.NotEqual(t, name, KernelName([]byte("different content")))
}

func TestUKINameRoundTrip(t *testing.T) {
	unsignedUKI := []byte("pretend-uki-bytes")

	name := UKIName(3, "", unsignedUKI, -1, -1)
	parsed, ok := ParseUKIName(name)
	require.True(t, ok)
	require.Equal(t, 3, parsed.Generation)
	require.Equal(t, "", parsed.Specialisation)
	require.Equal(t, -1, parsed.TriesLeft)

	withSpecialisation := UKIName(3, "variant", unsignedUKI, -1, -1)
	parsed2, ok := ParseUKIName(withSpecialisation)
	require.True(t, ok)
	require.Equal(t, "variant", parsed2.Specialisation)

	withBootCounting := UKIName(3, "", unsignedUKI, 3, 1)
	parsed3, ok := ParseUKIName(withBootCounting)
	require.True(t, ok)
	require.Equal(t, 3, parsed3.TriesLeft)
	require.Equal(t, 1, parsed3.TriesDone)
}

func TestParseUKINameRejectsUnrelatedFiles(t *testing.T) {
	_, ok := ParseUKIName("BOOTX64.efi")
	require.False(t, ok)
}

type fakeGlob struct {
	dirs  map[string][]string
	files map[string][]byte
}

func (f fakeGlob) ReadDir(dir string) ([]string, error) { return f.dirs[dir], nil }
func (f fakeGlob) ReadFile(path string) ([]byte, error) { return f.files[path], nil }

func TestReadInventorySkipsUnparsableUKIs(t *testing.T) {
	fs := fakeGlob{
		dirs: map[string][]string{
			NixosDir: {"kernel-aaaa.efi", "initrd-bbbb.efi"},
			LinuxDir: {"not-a-uki.efi"},
		},
		files: map[string][]byte{},
	}

	inv, err := ReadInventory(fs)
	require.NoError(t, err)
	require.Contains(t, inv.DetachedKernels, "kernel-aaaa.efi")
	require.Contains(t, inv.DetachedInitrds, "initrd-bbbb.efi")
	require.Empty(t, inv.UKIs)
}
