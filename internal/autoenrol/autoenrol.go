// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

// Package autoenrol implements spec.md §4.J, Auto-Enrol Orchestration:
// generating EFI Authenticated Variable blobs for PK/KEK/db from a key
// bundle (delegated to an external key-manager tool, the same shelling
// pattern internal/signer.Local uses for signing), staging them under the
// ESP's auto-enrol directory, and configuring the first-stage loader to
// enrol them on next boot.
package autoenrol

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/nix-community/lanzaboote-go/internal/esplayout"
	"github.com/nix-community/lanzaboote-go/internal/loaderconf"
	"github.com/nix-community/lanzaboote-go/internal/lzerr"
	"github.com/nix-community/lanzaboote-go/internal/shell"
)

// KeyBundle names the on-disk key-manager inputs for one authenticated
// variable. The key manager tool, not this package, interprets them (key
// generation and PKCS#11 back-ends are out of scope per spec.md §1).
type KeyBundle struct {
	PKCertPath  string
	KEKCertPath string
	DBCertPath  string
	SigningKeyPath string // the key that signs all three Authenticated Variable payloads
}

// KeyManager is the external tool capability this package delegates to:
// "generate an Authenticated Variable payload for <name> from <certPath>,
// signed with <signingKeyPath>". NewShellKeyManager wraps a real
// command-line tool; tests inject a fake.
type KeyManager interface {
	GenerateAuthVar(ctx context.Context, varName, certPath, signingKeyPath string) ([]byte, error)
}

// ShellKeyManager shells to an external key-manager binary, mirroring
// internal/signer.Local's delegation to an external signing tool — key
// material never passes through this process beyond what the tool itself
// reads from disk.
type ShellKeyManager struct {
	Tool string // defaults to "sbvarsign" if empty
}

func NewShellKeyManager(tool string) *ShellKeyManager {
	if tool == "" {
		tool = "sbvarsign"
	}
	return &ShellKeyManager{Tool: tool}
}

func (s *ShellKeyManager) GenerateAuthVar(ctx context.Context, varName, certPath, signingKeyPath string) ([]byte, error) {
	stdout, _, err := shell.NewExecBuilder(s.Tool,
		"--key", signingKeyPath,
		"--cert", certPath,
		"--output", "-",
		varName,
	).ExecuteCaptureOutput(ctx)
	if err != nil {
		return nil, lzerr.Wrap(lzerr.SignFailed, err, fmt.Sprintf("%s failed to generate %s.auth", s.Tool, varName))
	}
	return []byte(stdout), nil
}

// Orchestrator drives auto-enrol staging onto the primary ESP.
type Orchestrator struct {
	KeyManager KeyManager
}

func NewOrchestrator(km KeyManager) *Orchestrator {
	return &Orchestrator{KeyManager: km}
}

// varFiles is the fixed {EFI variable name -> .auth basename} mapping
// spec.md §4.D's /loader/keys/auto/{PK,KEK,db}.auth names.
var varFiles = []struct {
	varName  string
	basename string
}{
	{"PK", "PK.auth"},
	{"KEK", "KEK.auth"},
	{"db", "db.auth"},
}

// Stage generates PK/KEK/db.auth from bundle and writes them under
// esplayout.AutoEnrolDir on fs, then returns the loaderconf.Config field to
// set so the first-stage loader enrols them on next boot. It does not
// itself rewrite loader.conf — the caller composes this into whatever
// Config it is already building (internal/loaderconf.Render), since
// auto-enrol is one of several loader.conf concerns.
func (o *Orchestrator) Stage(ctx context.Context, fs afero.Fs, bundle KeyBundle) (loaderconf.SecureBootEnroll, error) {
	certPaths := map[string]string{
		"PK":  bundle.PKCertPath,
		"KEK": bundle.KEKCertPath,
		"db":  bundle.DBCertPath,
	}

	if err := fs.MkdirAll(esplayout.AutoEnrolDir, 0o755); err != nil {
		return "", lzerr.Wrap(lzerr.IOError, err, fmt.Sprintf("failed to create %s", esplayout.AutoEnrolDir))
	}

	for _, vf := range varFiles {
		payload, err := o.KeyManager.GenerateAuthVar(ctx, vf.varName, certPaths[vf.varName], bundle.SigningKeyPath)
		if err != nil {
			return "", err
		}

		dst := filepath.Join(esplayout.AutoEnrolDir, vf.basename)
		if err := afero.WriteFile(fs, dst, payload, 0o644); err != nil {
			return "", lzerr.Wrap(lzerr.IOError, err, fmt.Sprintf("failed to write %s", dst))
		}
	}

	return loaderconf.EnrollForce, nil
}
