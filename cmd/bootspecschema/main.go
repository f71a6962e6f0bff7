// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

// bootspecschema emits a JSON Schema for boot-spec documents
// (SPEC_FULL.md's Supplemented Features §3), reflected with
// invopop/jsonschema from bootspec.Spec, the type internal/bootspec.Parse
// decodes into, so the out-of-scope boot-spec producer (spec.md §1) can
// validate its own output. It is generated from the Go type; it is not the
// embedded schema that internal/bootspec.Parse validates against with
// santhosh-tekuri/jsonschema/v5, and the two are not guaranteed to match.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/invopop/jsonschema"

	"github.com/nix-community/lanzaboote-go/internal/bootspec"
	"github.com/nix-community/lanzaboote-go/internal/reconcile"
)

var cli struct {
	For    string `help:"Schema to emit: bootspec or install-options." enum:"bootspec,install-options" default:"bootspec"`
	Output string `help:"Write to this file instead of stdout."`
}

func main() {
	kong.Parse(&cli)

	var schema *jsonschema.Schema
	switch cli.For {
	case "bootspec":
		schema = jsonschema.Reflect(&bootspec.Spec{})
	case "install-options":
		schema = jsonschema.Reflect(&reconcile.Options{})
	}

	out, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if cli.Output == "" {
		os.Stdout.Write(out)
		os.Stdout.Write([]byte("\n"))
		return
	}
	if err := os.WriteFile(cli.Output, out, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
