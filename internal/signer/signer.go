// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

// Package signer implements spec.md §4.C: the {sign, sign_store_path,
// verify, public_key_bytes} capability set, realised as a Go interface
// (spec.md §9's note on "polymorphism over signers") with a local variant
// that shells to an external signing tool and a remote variant that talks
// to an HTTP signing service.
package signer

import (
	"context"
	"os"
)

// VerifyResult is the outcome of Verify, per spec.md §4.C and §6's
// GET /verify response shape.
type VerifyResult struct {
	Signed          bool
	ValidUnderPolicy bool
}

// Signer is the capability set the installer depends on; reconcile.Engine
// (internal/reconcile) is parameterised at construction time by one of
// NewLocal or NewRemote.
type Signer interface {
	// Sign signs input bytes, failing with lzerr.SignFailed.
	Sign(ctx context.Context, input []byte) ([]byte, error)
	// SignStorePath signs the file at path. The default behaviour (local
	// signer) is read-then-Sign; the remote signer may instead send a
	// store-path reference to avoid shipping bytes the signing server
	// already has access to.
	SignStorePath(ctx context.Context, path string) ([]byte, error)
	Verify(ctx context.Context, data []byte) (VerifyResult, error)
	PublicKeyBytes(ctx context.Context) ([]byte, error)
}

// ReadAndSign is the shared default implementation of SignStorePath: read
// the file, then Sign its bytes. Both variants may use it directly.
func ReadAndSign(ctx context.Context, s Signer, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return s.Sign(ctx, data)
}
