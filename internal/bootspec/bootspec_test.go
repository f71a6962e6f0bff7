// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

package bootspec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseValidDocument(t *testing.T) {
	spec, err := Parse([]byte(`{
		"kernel": "/nix/store/aaa-linux/bzImage",
		"initrd": "/nix/store/bbb-initrd/initrd",
		"kernelParams": ["console=ttyS0"],
		"label": "NixOS",
		"toplevel": "/nix/store/ccc-toplevel",
		"org.nix-community.lanzaboote": {"org.nix-community.lanzaboote": {"sort_key": "nixos"}}
	}`))
	require.NoError(t, err)
	require.Equal(t, "/nix/store/aaa-linux/bzImage", spec.Kernel)
	require.Equal(t, []string{"console=ttyS0"}, spec.KernelParams)
}

func TestParseSortKeyExtension(t *testing.T) {
	spec, err := Parse([]byte(`{
		"kernel": "/nix/store/aaa-linux/bzImage",
		"initrd": "/nix/store/bbb-initrd/initrd",
		"kernelParams": [],
		"label": "NixOS",
		"toplevel": "/nix/store/ccc-toplevel",
		"org.nix-community.lanzaboote": {"org.nix-community.lanzaboote": {"sort_key": "custom-key"}}
	}`))
	require.NoError(t, err)
	require.Equal(t, "custom-key", spec.SortKey())
}

func TestParseMissingSortKeyExtensionIsEmpty(t *testing.T) {
	spec, err := Parse([]byte(`{
		"kernel": "/nix/store/aaa-linux/bzImage",
		"initrd": "/nix/store/bbb-initrd/initrd",
		"kernelParams": [],
		"label": "NixOS",
		"toplevel": "/nix/store/ccc-toplevel"
	}`))
	require.NoError(t, err)
	require.Equal(t, "", spec.SortKey())
}

func TestParseRejectsMissingRequiredField(t *testing.T) {
	_, err := Parse([]byte(`{
		"kernel": "/nix/store/aaa-linux/bzImage",
		"initrd": "/nix/store/bbb-initrd/initrd",
		"kernelParams": []
	}`))
	require.Error(t, err)
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{not json`))
	require.Error(t, err)
}

func TestParseRejectsWrongFieldType(t *testing.T) {
	_, err := Parse([]byte(`{
		"kernel": "/nix/store/aaa-linux/bzImage",
		"initrd": "/nix/store/bbb-initrd/initrd",
		"kernelParams": "not-an-array",
		"label": "NixOS",
		"toplevel": "/nix/store/ccc-toplevel"
	}`))
	require.Error(t, err)
}
