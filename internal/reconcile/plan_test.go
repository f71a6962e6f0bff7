// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nix-community/lanzaboote-go/internal/generation"
)

// fakeStoreReader serves fixed content for a small set of store paths,
// standing in for the real, immutable /nix/store content-addressed tree.
type fakeStoreReader struct {
	files map[string][]byte
}

func (f fakeStoreReader) ReadFile(path string) ([]byte, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, &os404Error{path}
	}
	return data, nil
}

type os404Error struct{ path string }

func (e *os404Error) Error() string { return "no such file: " + e.path }

func TestEnginePlanAssemblesUnsignedUKIWhenAllowUnsigned(t *testing.T) {
	store := fakeStoreReader{files: map[string][]byte{
		"/nix/store/aaa-linux/bzImage":        []byte("kernel-bytes"),
		"/nix/store/bbb-initrd/initrd":        []byte("initrd-bytes"),
		"/nix/store/ccc-toplevel/lanzaboote-stub.efi": buildMinimalPE64(),
	}}

	e := NewEngine(nil, Options{AllowUnsigned: true})
	e.StoreReader = store

	bootables := []generation.Bootable{{
		Generation:   1,
		KernelPath:   "/nix/store/aaa-linux/bzImage",
		InitrdPath:   "/nix/store/bbb-initrd/initrd",
		Toplevel:     "/nix/store/ccc-toplevel",
		KernelParams: []string{"console=ttyS0"},
		Label:        "NixOS",
	}}

	planned, err := e.Plan(context.Background(), bootables)
	require.NoError(t, err)
	require.Len(t, planned, 1)

	pg := planned[0]
	require.False(t, pg.UKISigned)
	require.NotEmpty(t, pg.UKIBytes)
	require.Equal(t, pg.UnsignedUKI, pg.UKIBytes)
	require.Contains(t, pg.UKIName, "nixos-generation-1-")
}

func TestEnginePlanFailsWithoutSignerOrAllowUnsigned(t *testing.T) {
	store := fakeStoreReader{files: map[string][]byte{
		"/nix/store/aaa-linux/bzImage":        []byte("kernel-bytes"),
		"/nix/store/bbb-initrd/initrd":        []byte("initrd-bytes"),
		"/nix/store/ccc-toplevel/lanzaboote-stub.efi": buildMinimalPE64(),
	}}

	e := NewEngine(nil, Options{AllowUnsigned: false})
	e.StoreReader = store

	bootables := []generation.Bootable{{
		Generation: 1,
		KernelPath: "/nix/store/aaa-linux/bzImage",
		InitrdPath: "/nix/store/bbb-initrd/initrd",
		Toplevel:   "/nix/store/ccc-toplevel",
	}}

	_, err := e.Plan(context.Background(), bootables)
	require.Error(t, err)
}

func TestEnginePlanFailsOnMissingStorePath(t *testing.T) {
	e := NewEngine(nil, Options{AllowUnsigned: true})
	e.StoreReader = fakeStoreReader{files: map[string][]byte{}}

	bootables := []generation.Bootable{{
		Generation: 1,
		KernelPath: "/nix/store/missing/bzImage",
		InitrdPath: "/nix/store/missing/initrd",
		Toplevel:   "/nix/store/missing",
	}}

	_, err := e.Plan(context.Background(), bootables)
	require.Error(t, err)
}
