// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

package stubruntime

import (
	"fmt"
	"strings"

	"github.com/nix-community/lanzaboote-go/internal/esplayout"
	"github.com/nix-community/lanzaboote-go/internal/logger"
)

// decrementBootCounter implements spec.md §4.H step 9 and §9's "rename
// within ESP" primitive: if filename carries a +<tries>[-<done>] suffix,
// rename it to tries-1 (done+1), clamped at 0. A filename with no
// boot-counting suffix, or tries already at 0, is left untouched — the
// first-stage loader is responsible for deciding when a generation with
// zero tries left is no longer a viable boot target.
//
// Rename failure here is logged, not escalated to Aborted: boot counting
// is bookkeeping for the first-stage loader, not part of the chain of
// trust this stub enforces.
func decrementBootCounter(fw FirmwareServices, filename string) {
	if filename == "" {
		return
	}
	parsed, ok := esplayout.ParseUKIName(filename)
	if !ok || parsed.TriesLeft < 0 {
		return
	}
	if parsed.TriesLeft == 0 {
		return
	}

	newName := rebuildName(parsed, filename)
	if err := fw.RenameOwnFile(filename, newName); err != nil {
		logger.Log.Warnf("boot-counting rename %s -> %s failed: %v", filename, newName, err)
	}
}

// rebuildName reconstructs a UKI filename with tries-left decremented and
// tries-done incremented, preserving the original content hash and
// specialisation exactly as parsed — only the trailing counter changes.
func rebuildName(parsed esplayout.ParsedUKIName, original string) string {
	base := strings.TrimSuffix(original, ".efi")
	// Strip any existing +<tries>[-<done>] suffix.
	if i := strings.IndexByte(base, '+'); i >= 0 {
		base = base[:i]
	}

	newTriesLeft := parsed.TriesLeft - 1
	newTriesDone := parsed.TriesDone
	if newTriesDone < 0 {
		newTriesDone = 0
	}
	newTriesDone++

	return fmt.Sprintf("%s+%d-%d.efi", base, newTriesLeft, newTriesDone)
}
