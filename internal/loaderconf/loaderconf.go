// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

// Package loaderconf implements spec.md §4.G, the Loader-Config Writer:
// emitting the first-stage loader's loader.conf as a key-value text file,
// one space-separated option per line.
package loaderconf

import (
	"fmt"
	"strconv"
	"strings"
)

// ConsoleMode is loader.conf's console-mode option: "auto", "max", "keep",
// or an integer mode number.
type ConsoleMode string

const (
	ConsoleModeAuto ConsoleMode = "auto"
	ConsoleModeMax  ConsoleMode = "max"
	ConsoleModeKeep ConsoleMode = "keep"
)

// SecureBootEnroll is loader.conf's secure-boot-enroll option.
type SecureBootEnroll string

const (
	EnrollOff     SecureBootEnroll = "off"
	EnrollManual  SecureBootEnroll = "manual"
	EnrollIfSafe  SecureBootEnroll = "if-safe"
	EnrollForce   SecureBootEnroll = "force"
)

// Config is the set of recognised loader.conf options, per spec.md §4.G. A
// nil *bool/*int/string-pointer-like zero value ("") means "omit this key"
// ("Value `null` omits the key").
type Config struct {
	Timeout          *int
	ConsoleMode      ConsoleMode
	Editor           *bool
	Default          string
	SecureBootEnroll SecureBootEnroll
	Beep             *bool
}

// Render writes Config as loader.conf's text format.
func Render(c Config) string {
	var b strings.Builder

	writeLine := func(key, value string) {
		fmt.Fprintf(&b, "%s %s\n", key, value)
	}

	if c.Timeout != nil {
		writeLine("timeout", strconv.Itoa(*c.Timeout))
	}
	if c.ConsoleMode != "" {
		writeLine("console-mode", string(c.ConsoleMode))
	}
	if c.Editor != nil {
		writeLine("editor", yesNo(*c.Editor))
	}
	if c.Default != "" {
		writeLine("default", c.Default)
	}
	if c.SecureBootEnroll != "" {
		writeLine("secure-boot-enroll", string(c.SecureBootEnroll))
	}
	if c.Beep != nil {
		writeLine("beep", yesNo(*c.Beep))
	}

	return b.String()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
