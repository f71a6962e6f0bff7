// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

// Package reconcile implements spec.md §4.F, the Reconciliation Engine:
// computing each ESP's desired state from the generation graph, diffing it
// against observed state, and executing installs/removals under the
// atomic-rename, free-space, and cross-ESP invariants spec.md §3 and §5
// describe.
package reconcile

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/nix-community/lanzaboote-go/internal/esplayout"
	"github.com/nix-community/lanzaboote-go/internal/generation"
	"github.com/nix-community/lanzaboote-go/internal/initrdsecrets"
	"github.com/nix-community/lanzaboote-go/internal/logger"
	"github.com/nix-community/lanzaboote-go/internal/lzerr"
	"github.com/nix-community/lanzaboote-go/internal/osinfo"
	"github.com/nix-community/lanzaboote-go/internal/scratch"
	"github.com/nix-community/lanzaboote-go/internal/signer"
	"github.com/nix-community/lanzaboote-go/internal/ukiassemble"
)

// StoreReader reads immutable content-addressed store paths. The default
// osStoreReader reads the real filesystem; tests inject a fake.
type StoreReader interface {
	ReadFile(path string) ([]byte, error)
}

type osStoreReader struct{}

func (osStoreReader) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

// OSStoreReader is the production StoreReader.
var OSStoreReader StoreReader = osStoreReader{}

// Options configures a single reconciliation run, mirroring the installer
// CLI flags of spec.md §6.
type Options struct {
	ConfigurationLimit       int
	AllowUnsigned            bool
	BootCountingInitialTries int // < 0 disables boot counting
	ScratchDir               string
	OSReleasePath            string // e.g. /etc/os-release of the toplevel; "" to skip
}

// PlannedGeneration is one Bootable's fully resolved install-time state:
// content-addressed detached artefacts and a signed (or, if
// AllowUnsigned, unsigned) UKI. It is ESP-independent; the same plan is
// reused across every target ESP.
type PlannedGeneration struct {
	Bootable generation.Bootable

	KernelBytes []byte
	KernelName  string

	InitrdBytes []byte
	InitrdName  string

	UnsignedUKI []byte
	UKIBytes    []byte
	UKISigned   bool
	UKIName     string
}

// Engine drives planning and per-ESP execution.
type Engine struct {
	Signer      signer.Signer
	Options     Options
	StoreReader StoreReader
}

func NewEngine(s signer.Signer, opts Options) *Engine {
	if opts.ScratchDir == "" {
		opts.ScratchDir = os.TempDir()
	}
	return &Engine{Signer: s, Options: opts, StoreReader: OSStoreReader}
}

// Plan implements spec.md §4.F step 1 for every given Bootable.
func (e *Engine) Plan(ctx context.Context, bootables []generation.Bootable) ([]PlannedGeneration, error) {
	var osRelease []byte
	if e.Options.OSReleasePath != "" {
		if data, err := osinfo.ReadOsRelease(e.Options.OSReleasePath); err == nil {
			osRelease = data
		}
	}

	out := make([]PlannedGeneration, 0, len(bootables))
	for _, b := range bootables {
		pg, err := e.planOne(ctx, b, osRelease)
		if err != nil {
			return nil, fmt.Errorf("failed to plan %s:\n%w", b.String(), err)
		}
		out = append(out, pg)
	}
	return out, nil
}

func (e *Engine) planOne(ctx context.Context, b generation.Bootable, osRelease []byte) (PlannedGeneration, error) {
	kernelBytes, err := e.StoreReader.ReadFile(b.KernelPath)
	if err != nil {
		return PlannedGeneration{}, lzerr.Wrap(lzerr.IOError, err, fmt.Sprintf("failed to read kernel %s", b.KernelPath))
	}
	kernelName := esplayout.KernelName(kernelBytes)

	baseInitrd, err := e.StoreReader.ReadFile(b.InitrdPath)
	if err != nil {
		return PlannedGeneration{}, lzerr.Wrap(lzerr.IOError, err, fmt.Sprintf("failed to read initrd %s", b.InitrdPath))
	}

	initrdBytes := baseInitrd
	if b.InitrdSecrets != "" {
		dir, err := scratch.Dir(e.Options.ScratchDir)
		if err != nil {
			return PlannedGeneration{}, err
		}
		defer scratch.Remove(dir)

		initrdBytes, err = initrdsecrets.Append(ctx, baseInitrd, b.InitrdSecrets, dir)
		if err != nil {
			return PlannedGeneration{}, err
		}
	}
	initrdName := esplayout.InitrdName(initrdBytes)

	kernelHash := esplayout.HashBytes(kernelBytes)
	initrdHash := esplayout.HashBytes(initrdBytes)

	sections := ukiassemble.NewSections(osRelease, nil, b.KernelParams, kernelName, kernelHash, initrdName, initrdHash)

	stubPE, err := e.StoreReader.ReadFile(stubPath(b))
	if err != nil {
		return PlannedGeneration{}, lzerr.Wrap(lzerr.IOError, err, "failed to read stub PE")
	}

	unsignedUKI, err := ukiassemble.Assemble(stubPE, sections)
	if err != nil {
		return PlannedGeneration{}, err
	}

	ukiBytes := unsignedUKI
	signed := false
	if e.Signer != nil {
		signedBytes, err := e.Signer.Sign(ctx, unsignedUKI)
		switch {
		case err == nil:
			ukiBytes = signedBytes
			signed = true
		case e.Options.AllowUnsigned:
			logger.Log.Warnf("%s: signing failed, installing unsigned (allow-unsigned): %v", b.String(), err)
		default:
			return PlannedGeneration{}, lzerr.Wrap(lzerr.SignFailed, err, fmt.Sprintf("failed to sign UKI for %s", b.String()))
		}
	} else if !e.Options.AllowUnsigned {
		return PlannedGeneration{}, lzerr.New(lzerr.PolicyViolation, "no signer configured and allow-unsigned is false")
	}

	triesLeft, triesDone := -1, -1
	if e.Options.BootCountingInitialTries >= 0 {
		triesLeft, triesDone = e.Options.BootCountingInitialTries, 0
	}
	ukiName := esplayout.UKIName(b.Generation, b.Specialisation, unsignedUKI, triesLeft, triesDone)

	return PlannedGeneration{
		Bootable:    b,
		KernelBytes: kernelBytes,
		KernelName:  kernelName,
		InitrdBytes: initrdBytes,
		InitrdName:  initrdName,
		UnsignedUKI: unsignedUKI,
		UKIBytes:    ukiBytes,
		UKISigned:   signed,
		UKIName:     ukiName,
	}, nil
}

// stubPath locates the pristine stub PE to assemble a UKI from: the file
// lanzaboote-stub.efi under the Bootable's toplevel store path.
func stubPath(b generation.Bootable) string {
	return strings.TrimRight(b.Toplevel, "/") + "/lanzaboote-stub.efi"
}
