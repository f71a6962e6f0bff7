// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

package loaderconf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderScenario1(t *testing.T) {
	timeout := 5
	cfg := Config{
		Timeout:     &timeout,
		ConsoleMode: ConsoleModeKeep,
		Default:     "nixos-*",
	}

	require.Equal(t, "timeout 5\nconsole-mode keep\ndefault nixos-*\n", Render(cfg))
}

func TestRenderOmitsUnsetKeys(t *testing.T) {
	require.Equal(t, "", Render(Config{}))
}

func TestRenderAutoEnrol(t *testing.T) {
	cfg := Config{SecureBootEnroll: EnrollForce}
	require.Equal(t, "secure-boot-enroll force\n", Render(cfg))
}
