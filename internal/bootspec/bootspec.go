// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

// Package bootspec parses and validates the boot-spec JSON document
// (namespace org.nixos.bootspec.v1) described in spec.md §4.E and §6: one
// document per generation/specialisation, produced by a separate component
// of the distribution. Only the fields this installer consumes are
// modelled.
package bootspec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nix-community/lanzaboote-go/internal/lzerr"
)

// Extensions holds the org.nix-community.lanzaboote extension namespace
// (spec.md §6).
type Extensions struct {
	SortKey string `json:"sort_key,omitempty"`
}

// Spec is the subset of org.nixos.bootspec.v1 this installer consumes.
type Spec struct {
	Kernel        string            `json:"kernel"`
	Initrd        string            `json:"initrd"`
	KernelParams  []string          `json:"kernelParams"`
	Label         string            `json:"label"`
	Toplevel      string            `json:"toplevel"`
	InitrdSecrets string            `json:"initrdSecrets,omitempty"`
	Specialisation map[string]Spec  `json:"specialisation,omitempty"`
	Extensions    map[string]Extensions `json:"org.nix-community.lanzaboote,omitempty"`
}

// SortKey returns the lanzaboote extension's sort key if present, else "".
func (s Spec) SortKey() string {
	if ext, ok := s.Extensions["org.nix-community.lanzaboote"]; ok {
		return ext.SortKey
	}
	return ""
}

const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "org.nixos.bootspec.v1",
  "type": "object",
  "required": ["kernel", "initrd", "kernelParams", "label", "toplevel"],
  "properties": {
    "kernel": {"type": "string"},
    "initrd": {"type": "string"},
    "kernelParams": {"type": "array", "items": {"type": "string"}},
    "label": {"type": "string"},
    "toplevel": {"type": "string"},
    "initrdSecrets": {"type": "string"},
    "specialisation": {"type": "object"}
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("bootspec.json", bytes.NewReader([]byte(schemaJSON))); err != nil {
			schemaErr = fmt.Errorf("failed to register boot-spec schema:\n%w", err)
			return
		}
		schema, schemaErr = compiler.Compile("bootspec.json")
	})
	return schema, schemaErr
}

// Parse validates raw against the org.nixos.bootspec.v1 schema and decodes
// it into a Spec. Validation failures are reported as lzerr.BootSpecParse.
func Parse(raw []byte) (Spec, error) {
	sch, err := compiledSchema()
	if err != nil {
		return Spec{}, fmt.Errorf("failed to compile boot-spec schema:\n%w", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Spec{}, lzerr.Wrap(lzerr.BootSpecParse, err, "boot spec is not valid JSON")
	}

	if err := sch.Validate(generic); err != nil {
		return Spec{}, lzerr.Wrap(lzerr.BootSpecParse, err, "boot spec failed schema validation")
	}

	var spec Spec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return Spec{}, lzerr.Wrap(lzerr.BootSpecParse, err, "failed to decode boot spec")
	}

	return spec, nil
}
