// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

// Package scratch creates and cleans up per-generation scratch directories
// used by internal/initrdsecrets while running a boot spec's
// initrd-secrets hook.
package scratch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/nix-community/lanzaboote-go/internal/randomization"
)

// Dir creates a fresh scratch directory under base and returns its path.
// Callers are responsible for removing it when done (defer scratch.Remove).
func Dir(base string) (string, error) {
	_, id, err := randomization.CreateUuid()
	if err != nil {
		return "", fmt.Errorf("failed to generate scratch dir name:\n%w", err)
	}

	dir := filepath.Join(base, "lzbt-"+id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create scratch dir (%s):\n%w", dir, err)
	}
	return dir, nil
}

func Remove(dir string) error {
	return os.RemoveAll(dir)
}
