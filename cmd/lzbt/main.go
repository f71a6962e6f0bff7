// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

// lzbt is the host-side installer, spec.md §1's "lzbt" / §6's Installer
// CLI. It reconciles one or more EFI System Partitions against the
// generation graph discovered from a set of system-<N>-link paths.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/nix-community/lanzaboote-go/internal/generation"
	"github.com/nix-community/lanzaboote-go/internal/loaderconf"
	"github.com/nix-community/lanzaboote-go/internal/logger"
	"github.com/nix-community/lanzaboote-go/internal/lzerr"
	"github.com/nix-community/lanzaboote-go/internal/reconcile"
	"github.com/nix-community/lanzaboote-go/internal/signer"
	"github.com/nix-community/lanzaboote-go/internal/telemetry"
)

// exit codes, per spec.md §6.
const (
	exitSuccess          = 0
	exitReconcileFailure = 1
	exitPartialFailure   = 2
	exitInvalidInput     = 3
)

type logFlags struct {
	LogColor string `help:"${logColorHelp}" enum:"always,auto,never" default:"auto"`
	LogFile  string `help:"${logFileHelp}"`
	LogLevel string `help:"${logLevelsHelp}" default:"info"`
}

func (f logFlags) toLoggerFlags() *logger.LogFlags {
	color, file, level := f.LogColor, f.LogFile, f.LogLevel
	return &logger.LogFlags{LogColor: &color, LogFile: &file, LogLevel: &level}
}

// InstallCmd implements spec.md §6's Installer CLI flag set.
type InstallCmd struct {
	logFlags

	Config string `help:"Optional YAML file providing any of these flags; explicit flags override it." type:"existingfile"`

	System                  string   `help:"Target triple, e.g. x86_64-unknown-uefi." required:""`
	Systemd                 string   `help:"Path to the first-stage loader distribution." type:"existingdir" required:""`
	SystemdBootLoaderConfig string   `help:"Path to the generated loader.conf." required:""`
	PublicKey               string   `help:"Public key for local signing (mutually exclusive with --remote-signing-server-url)." type:"existingfile"`
	PrivateKey              string   `help:"Private key for local signing." type:"existingfile"`
	RemoteSigningServerURL  string   `help:"Remote signing server URL (mutually exclusive with --public-key/--private-key)."`
	ConfigurationLimit      int      `help:"Keep only the N most recent generations; 0 for unlimited." default:"0"`
	AllowUnsigned           bool     `help:"Install unsigned UKIs when signing fails, instead of aborting."`
	BootCountingInitialTries int     `help:"Initial boot-counting tries for new UKIs; negative disables boot counting." default:"-1"`
	ScratchDir              string   `help:"Directory for scratch files (secrets hooks, signing staging)." default:"/tmp"`

	ESP []string `help:"EFI System Partition mount point (repeatable)." required:""`

	GenerationLinks []string `arg:"" help:"system-<N>-link paths to install." type:"existingfile"`
}

func (c *InstallCmd) Run() error {
	logger.InitBestEffort(c.logFlags.toLoggerFlags())
	ctx := context.Background()

	if err := telemetry.InitTelemetry(false, "lzbt-dev"); err != nil {
		logger.Log.Warnf("telemetry disabled: %v", err)
	}
	defer func() {
		_ = telemetry.ShutdownTelemetry(ctx)
	}()

	s, err := c.buildSigner()
	if err != nil {
		logger.Log.Errorf("%v", err)
		return exitErr(exitInvalidInput)
	}

	gens, storePaths, err := generation.ResolveLinks(c.GenerationLinks)
	if err != nil {
		logger.Log.Errorf("%v", err)
		return exitErr(exitInvalidInput)
	}

	var all []generation.Bootable
	for _, g := range gens {
		bs, err := generation.Load(g, storePaths[g])
		if err != nil {
			logger.Log.Errorf("%v", err)
			return exitErr(exitInvalidInput)
		}
		all = append(all, bs...)
	}

	bootedGeneration, defaultGeneration := -1, -1
	if len(gens) > 0 {
		defaultGeneration = gens[len(gens)-1]
		bootedGeneration = defaultGeneration
	}
	all = generation.ApplyConfigurationLimit(all, c.ConfigurationLimit, bootedGeneration, defaultGeneration)

	engine := reconcile.NewEngine(s, reconcile.Options{
		ConfigurationLimit:       c.ConfigurationLimit,
		AllowUnsigned:            c.AllowUnsigned,
		BootCountingInitialTries: c.BootCountingInitialTries,
		ScratchDir:               c.ScratchDir,
	})

	planned, err := engine.Plan(ctx, all)
	if err != nil {
		logger.Log.Errorf("%v", err)
		return exitErr(exitReconcileFailure)
	}

	targets := make([]reconcile.Target, 0, len(c.ESP))
	for _, mount := range c.ESP {
		targets = append(targets, reconcile.Target{Name: mount, ESP: reconcile.NewOSEsp(mount)})
	}

	results, err := reconcile.ReconcileAll(ctx, planned, targets)
	if err != nil {
		code := exitReconcileFailure
		for _, r := range results {
			if r.Changed {
				code = exitPartialFailure
			}
		}
		logger.Log.Errorf("reconciliation failed: %v", err)
		return exitErr(code)
	}

	if err := c.writeLoaderConfig(); err != nil {
		logger.Log.Errorf("%v", err)
		return exitErr(exitPartialFailure)
	}

	logger.Log.Infof("reconciliation complete across %d ESP(s)", len(targets))
	return nil
}

func (c *InstallCmd) buildSigner() (signer.Signer, error) {
	haveLocal := c.PublicKey != "" && c.PrivateKey != ""
	haveRemote := c.RemoteSigningServerURL != ""
	switch {
	case haveLocal && haveRemote:
		return nil, lzerr.New(lzerr.PolicyViolation, "--public-key/--private-key and --remote-signing-server-url are mutually exclusive")
	case haveLocal:
		return signer.NewLocal(c.PrivateKey, c.PublicKey, c.ScratchDir), nil
	case haveRemote:
		return signer.NewRemote(c.RemoteSigningServerURL, nil), nil
	case c.AllowUnsigned:
		return nil, nil
	default:
		return nil, lzerr.New(lzerr.PolicyViolation, "no signer configured; pass signing keys, a remote signing server, or --allow-unsigned")
	}
}

func (c *InstallCmd) writeLoaderConfig() error {
	timeout := 5
	cfg := loaderconf.Config{
		Timeout:     &timeout,
		ConsoleMode: loaderconf.ConsoleModeKeep,
		Default:     "nixos-*",
	}
	return os.WriteFile(c.SystemdBootLoaderConfig, []byte(loaderconf.Render(cfg)), 0o644)
}

// VerifyCmd is a supplemented, read-only companion to install
// (SPEC_FULL.md's Supplemented Features §2): it checks that the ESP mount
// point is accessible and writes nothing. It does not read the ESP's
// inventory, check signatures, or report invariant status.
type VerifyCmd struct {
	logFlags
	ESP string `arg:"" help:"EFI System Partition mount point to inspect." required:""`
}

func (c *VerifyCmd) Run() error {
	logger.InitBestEffort(c.logFlags.toLoggerFlags())
	esp := reconcile.NewOSEsp(c.ESP)
	inv, err := esp.Fs.Stat("/")
	if err != nil {
		logger.Log.Errorf("failed to access %s: %v", c.ESP, err)
		return exitErr(exitInvalidInput)
	}
	logger.Log.Infof("%s is accessible (%v); full inventory report is a TODO pending a --json report flag", c.ESP, inv.IsDir())
	return nil
}

var cli struct {
	Install InstallCmd `cmd:"" help:"Reconcile one or more ESPs against the generation graph."`
	Verify  VerifyCmd  `cmd:"" help:"Check that an ESP mount point is accessible, without writing anything."`
}

func exitErr(code int) error {
	return kongExitError(code)
}

type kongExitError int

func (e kongExitError) Error() string { return fmt.Sprintf("exit code %d", int(e)) }

func main() {
	options := []kong.Option{
		kong.Vars{
			"logColorHelp":  logger.ColorFlagHelp,
			"logFileHelp":   logger.FileFlagHelp,
			"logLevelsHelp": logger.LevelsHelp,
		},
	}
	if path := scanConfigFlag(os.Args); path != "" {
		resolver, err := newYAMLResolver(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitInvalidInput)
		}
		options = append(options, kong.Resolver(resolver))
	}

	ctx := kong.Parse(&cli, options...)
	err := ctx.Run()
	if err == nil {
		os.Exit(exitSuccess)
	}
	if code, ok := err.(kongExitError); ok {
		os.Exit(int(code))
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(exitInvalidInput)
}
