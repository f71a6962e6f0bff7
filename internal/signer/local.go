// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

package signer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/nix-community/lanzaboote-go/internal/lzerr"
	"github.com/nix-community/lanzaboote-go/internal/scratch"
	"github.com/nix-community/lanzaboote-go/internal/shell"
)

// Local delegates signing to an external tool (e.g. sbsign) invoked with
// {private key, public key, input PE}, per spec.md §4.C's "local" variant.
// Key material never leaves local disk.
type Local struct {
	SignTool        string // defaults to "sbsign" if empty
	PrivateKeyPath  string
	PublicKeyPath   string
	ScratchDir      string
}

var _ Signer = (*Local)(nil)

func NewLocal(privateKeyPath, publicKeyPath, scratchDir string) *Local {
	return &Local{
		SignTool:       "sbsign",
		PrivateKeyPath: privateKeyPath,
		PublicKeyPath:  publicKeyPath,
		ScratchDir:     scratchDir,
	}
}

func (l *Local) Sign(ctx context.Context, input []byte) ([]byte, error) {
	dir, err := scratch.Dir(l.ScratchDir)
	if err != nil {
		return nil, lzerr.Wrap(lzerr.SignFailed, err, "failed to allocate signing scratch dir")
	}
	defer scratch.Remove(dir)

	inPath := filepath.Join(dir, "unsigned.efi")
	outPath := filepath.Join(dir, "signed.efi")

	if err := os.WriteFile(inPath, input, 0o600); err != nil {
		return nil, lzerr.Wrap(lzerr.SignFailed, err, "failed to stage input for signing")
	}

	_, _, err = shell.NewExecBuilder(l.SignTool,
		"--key", l.PrivateKeyPath,
		"--cert", l.PublicKeyPath,
		"--output", outPath,
		inPath,
	).LogLevel(logrus.DebugLevel, logrus.WarnLevel).ExecuteCaptureOutput(ctx)
	if err != nil {
		return nil, lzerr.Wrap(lzerr.SignFailed, err, fmt.Sprintf("%s failed", l.SignTool))
	}

	signed, err := os.ReadFile(outPath)
	if err != nil {
		return nil, lzerr.Wrap(lzerr.SignFailed, err, "failed to read signed output")
	}
	return signed, nil
}

func (l *Local) SignStorePath(ctx context.Context, path string) ([]byte, error) {
	return ReadAndSign(ctx, l, path)
}

func (l *Local) Verify(ctx context.Context, data []byte) (VerifyResult, error) {
	dir, err := scratch.Dir(l.ScratchDir)
	if err != nil {
		return VerifyResult{}, lzerr.Wrap(lzerr.SignFailed, err, "failed to allocate verify scratch dir")
	}
	defer scratch.Remove(dir)

	inPath := filepath.Join(dir, "candidate.efi")
	if err := os.WriteFile(inPath, data, 0o600); err != nil {
		return VerifyResult{}, lzerr.Wrap(lzerr.SignFailed, err, "failed to stage input for verification")
	}

	_, _, err = shell.NewExecBuilder("sbverify", "--cert", l.PublicKeyPath, inPath).
		LogLevel(logrus.DebugLevel, logrus.DebugLevel).ExecuteCaptureOutput(ctx)
	if err != nil {
		// sbverify exits non-zero for "not signed" or "signed by an
		// untrusted key" alike; both are legitimate verify outcomes, not
		// tool failures.
		return VerifyResult{Signed: false, ValidUnderPolicy: false}, nil
	}

	return VerifyResult{Signed: true, ValidUnderPolicy: true}, nil
}

func (l *Local) PublicKeyBytes(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(l.PublicKeyPath)
	if err != nil {
		return nil, lzerr.Wrap(lzerr.SignFailed, err, "failed to read public key")
	}
	return data, nil
}
