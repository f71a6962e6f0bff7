// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

// Package stubruntime implements spec.md §4.H/§4.I: the UEFI stub's boot
// sequence and state machine. It runs in UEFI Boot Services context with
// no OS services and no preemption (spec.md §5), so it is built against a
// FirmwareServices interface rather than any real OS syscalls — the
// cmd/lanzaboote-stub binary supplies a host-side placeholder
// implementation; tests supply a fake.
package stubruntime

import (
	"crypto/sha256"
	"fmt"

	"github.com/nix-community/lanzaboote-go/internal/lzerr"
)

// State names spec.md §4.H's state machine.
type State int

const (
	ParsingSections State = iota
	LoadingKernel
	VerifyingKernelHash
	LoadingInitrd
	VerifyingInitrdHash
	Measuring
	ExportingVars
	StartingImage
	Started
	Aborted
)

func (s State) String() string {
	switch s {
	case ParsingSections:
		return "ParsingSections"
	case LoadingKernel:
		return "LoadingKernel"
	case VerifyingKernelHash:
		return "VerifyingKernelHash"
	case LoadingInitrd:
		return "LoadingInitrd"
	case VerifyingInitrdHash:
		return "VerifyingInitrdHash"
	case Measuring:
		return "Measuring"
	case ExportingVars:
		return "ExportingVars"
	case StartingImage:
		return "StartingImage"
	case Started:
		return "Started"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// OwnSections is what the stub reads from its own PE image at step 2 of
// spec.md §4.H, mirroring internal/ukiassemble.Sections but read back
// rather than written.
type OwnSections struct {
	OSRelease  []byte
	Cmdline    []byte
	InitrdPath string // from .initrdp, ESP-relative
	InitrdHash [32]byte
	KernelPath string // from .linux, ESP-relative
	KernelHash [32]byte
	Uname      []byte
}

// FirmwareServices abstracts the UEFI Boot Services calls and volume
// filesystem access the stub needs, per spec.md §4.H steps 1, 3, 4, 6, 7,
// 8 and §4.I's PCR extension. cmd/lanzaboote-stub supplies a host-side
// placeholder implementation; internal/stubruntime's tests supply a fake
// so the state machine is verifiable without real firmware.
type FirmwareServices interface {
	// ReadOwnVolumeFile reads espRelativePath from the same volume the
	// stub booted from (step 1's device-handle resolution, folded into
	// every read for simplicity).
	ReadOwnVolumeFile(espRelativePath string) ([]byte, error)
	// LoadImage triggers the firmware's LoadImage boot service (step 6),
	// which performs Secure Boot signature verification against db.
	LoadImage(kernelBytes []byte) (imageHandle any, err error)
	// RegisterInitrdMedia exposes initrdBytes to the loaded kernel image
	// via the "Linux Initrd Media" device path (step 7). The returned
	// release func is called when the stub aborts after registering,
	// including when StartImage returns an error; after a successful
	// StartImage ownership passes to the started image.
	RegisterInitrdMedia(initrdBytes []byte) (release func(), err error)
	// SetStringVariable writes one of the Loader*/Stub* UTF-16 string
	// variables (step 8).
	SetStringVariable(name string, value string) error
	// SetUint64Variable writes StubFeatures (LE u64, step 8).
	SetUint64Variable(name string, value uint64) error
	// SetUint32Variable writes StubPcrKernelImage (LE u32, step 5/8).
	SetUint32Variable(name string, value uint32) error
	// ExtendPCR extends pcrIndex with eventData, tagged with description
	// for the TCG event log (step 5, spec.md §4.I). hasTPM is false when
	// no TPM 2.0 is present, in which case ExtendPCR is never called.
	HasTPM() bool
	ExtendPCR(pcrIndex int, description string, eventData []byte) error
	// RenameOwnFile implements spec.md §9's "rename within ESP" boot
	// counting primitive (step 9): a single firmware-filesystem rename,
	// not an OS-level one.
	RenameOwnFile(oldName, newName string) error
	// StartImage transfers control to imageHandle (step 10). In a real
	// stub this never returns on success; the fake used in tests returns
	// nil to simulate success.
	StartImage(imageHandle any) error
}

// EFI variable names, per spec.md §6 (GUID 4a67b082-0a4c-41cf-b6c7-440b29bb8c4f).
const (
	VarLoaderDevicePartUUID = "LoaderDevicePartUUID"
	VarLoaderImageIdentifier = "LoaderImageIdentifier"
	VarLoaderFirmwareInfo   = "LoaderFirmwareInfo"
	VarLoaderFirmwareType   = "LoaderFirmwareType"
	VarStubInfo             = "StubInfo"
	VarStubFeatures         = "StubFeatures"
	VarStubPcrKernelImage   = "StubPcrKernelImage"
)

// StubVersion is embedded in VarStubInfo ("lanzastub <version>").
const StubVersion = "0.1.0"

// measurementPCR is the PCR the stub extends, per spec.md §4.H step 5.
const measurementPCR = 11

// Outcome is the result of Run: either it never returns (Started, on a
// real boot) or it returns a descriptive abort.
type Outcome struct {
	State State // Started or Aborted
	Err   error // non-nil iff State == Aborted
}

// Context carries the information Run needs beyond what it reads from its
// own sections: the device/partition identity and firmware metadata that
// have no other natural source (the real stub reads these from its own
// loaded-image protocol instance; the fake firmware in tests supplies them
// directly).
type Context struct {
	DevicePartUUID   string
	ImageIdentifier  string
	FirmwareInfo     string
	UKIFilename      string // for boot-counting rename, e.g. the booted UKI's own name
}

// Run executes spec.md §4.H's ten-step sequence against fw, using sections
// already read from the stub's own PE image (step 2, performed by the
// caller via internal/peimage before Run is invoked — the freestanding
// build embeds its own image bytes and parses them at cmd/lanzaboote-stub's
// entry point).
func Run(fw FirmwareServices, sections OwnSections, bctx Context) Outcome {
	// Step 3: read + verify kernel.
	kernelBytes, err := fw.ReadOwnVolumeFile("/EFI/nixos/" + sections.KernelPath)
	if err != nil {
		return abort(lzerr.New(lzerr.FilesystemError, fmt.Sprintf("failed to read kernel %s: %v", sections.KernelPath, err)))
	}
	if sha256.Sum256(kernelBytes) != sections.KernelHash {
		return abort(lzerr.New(lzerr.HashMismatch, "hash does not match: kernel"))
	}

	// Step 4: read + verify initrd.
	initrdBytes, err := fw.ReadOwnVolumeFile("/EFI/nixos/" + sections.InitrdPath)
	if err != nil {
		return abort(lzerr.New(lzerr.FilesystemError, fmt.Sprintf("failed to read initrd %s: %v", sections.InitrdPath, err)))
	}
	if sha256.Sum256(initrdBytes) != sections.InitrdHash {
		return abort(lzerr.New(lzerr.HashMismatch, "hash does not match: initrd"))
	}

	// Step 5: interleaved measurement, in section-load order, matching
	// spec.md's ipl event sequence {.osrel, .cmdline, .initrd, .linux}.
	if fw.HasTPM() {
		measurements := []struct {
			description string
			data        []byte
		}{
			{".osrel", sections.OSRelease},
			{".cmdline", sections.Cmdline},
			{".initrd", initrdBytes},
			{".linux", kernelBytes},
		}
		for _, m := range measurements {
			if err := fw.ExtendPCR(measurementPCR, m.description, m.data); err != nil {
				return abort(lzerr.New(lzerr.AllocationFailed, fmt.Sprintf("PCR extend failed for %s: %v", m.description, err)))
			}
		}
		if err := fw.SetUint32Variable(VarStubPcrKernelImage, measurementPCR); err != nil {
			return abort(lzerr.New(lzerr.AllocationFailed, fmt.Sprintf("failed to record %s: %v", VarStubPcrKernelImage, err)))
		}
	}

	// Step 6: LoadImage, which triggers firmware Secure Boot verification.
	imageHandle, err := fw.LoadImage(kernelBytes)
	if err != nil {
		return abort(classifyLoadImageError(err))
	}

	// Step 7: synthesise the initrd media device.
	release, err := fw.RegisterInitrdMedia(initrdBytes)
	if err != nil {
		return abort(lzerr.New(lzerr.AllocationFailed, fmt.Sprintf("failed to register initrd media: %v", err)))
	}

	// Step 8: populate the loader-interface EFI variables.
	if err := exportLoaderVariables(fw, bctx); err != nil {
		release()
		return abort(err)
	}

	// Step 9: boot-counting decrement, if this UKI's filename carries the
	// +<tries>[-<done>] suffix. Renaming happens before StartImage, at the
	// boot-services-exit boundary spec.md describes; failure to rename is
	// not fatal to booting (the counter is best-effort bookkeeping, not a
	// trust boundary).
	decrementBootCounter(fw, bctx.UKIFilename)

	// Step 10: transfer control. On success this never returns in a real
	// stub; the fake firmware in tests returns nil to simulate success.
	if err := fw.StartImage(imageHandle); err != nil {
		release()
		return abort(lzerr.New(lzerr.SecurityViolation, fmt.Sprintf("StartImage failed: %v", err)))
	}

	return Outcome{State: Started}
}

func abort(err error) Outcome {
	return Outcome{State: Aborted, Err: err}
}

// classifyLoadImageError maps a firmware LoadImage failure onto the two
// stub error kinds spec.md §7 names for this step: NotSigned (no valid
// signature at all) vs SecurityViolation (signed but by an untrusted key,
// or policy otherwise refuses it). FirmwareServices implementations should
// return an error whose message firmware conventionally uses for "access
// denied" (EFI_SECURITY_VIOLATION) to get SecurityViolation; anything else
// is treated as NotSigned, since "no image loaded" is the more common
// unsigned-PE failure mode.
func classifyLoadImageError(err error) error {
	if ne, ok := err.(interface{ SecurityViolation() bool }); ok && ne.SecurityViolation() {
		return lzerr.Wrap(lzerr.SecurityViolation, err, "firmware refused image under Secure Boot policy")
	}
	return lzerr.Wrap(lzerr.NotSigned, err, "firmware refused to load image")
}

func exportLoaderVariables(fw FirmwareServices, bctx Context) error {
	vars := []struct {
		name  string
		value string
	}{
		{VarLoaderDevicePartUUID, bctx.DevicePartUUID},
		{VarLoaderImageIdentifier, bctx.ImageIdentifier},
		{VarLoaderFirmwareInfo, bctx.FirmwareInfo},
		{VarLoaderFirmwareType, "UEFI"},
		{VarStubInfo, "lanzastub " + StubVersion},
	}
	for _, v := range vars {
		if err := fw.SetStringVariable(v.name, v.value); err != nil {
			return lzerr.New(lzerr.AllocationFailed, fmt.Sprintf("failed to set %s: %v", v.name, err))
		}
	}
	if err := fw.SetUint64Variable(VarStubFeatures, FeatureBitmask); err != nil {
		return lzerr.New(lzerr.AllocationFailed, fmt.Sprintf("failed to set %s: %v", VarStubFeatures, err))
	}
	return nil
}

// FeatureBitmask enumerates the optional features this stub implements, a
// 64-bit bitmask per spec.md §4.H step 8. Bit 0: hash verification (always
// on). Bit 1: TPM PCR measurement. Bit 2: boot counting.
const (
	FeatureHashVerification uint64 = 1 << 0
	FeatureTPMMeasurement   uint64 = 1 << 1
	FeatureBootCounting     uint64 = 1 << 2

	FeatureBitmask = FeatureHashVerification | FeatureTPMMeasurement | FeatureBootCounting
)
