// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

// Package osinfo reads os-release files, both for telemetry (the host's
// /etc/os-release) and for populating a UKI's .osrel section from
// reconcile.Options.OSReleasePath (internal/reconcile).
package osinfo

import (
	"os"
	"strings"
)

// GetDistroAndVersion returns the host's distro name and version, or
// placeholder values if /etc/os-release is unreadable.
func GetDistroAndVersion() (string, string) {
	output, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return "Unknown Distro", "Unknown Version"
	}
	return parseDistroAndVersion(string(output))
}

// ReadOsRelease returns the raw contents of the os-release file at path,
// for embedding verbatim into a UKI's .osrel section.
func ReadOsRelease(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func parseDistroAndVersion(contents string) (string, string) {
	distro := "Unknown Distro"
	version := "Unknown Version"

	for _, line := range strings.Split(contents, "\n") {
		switch {
		case strings.HasPrefix(line, "NAME="):
			distro = strings.Trim(strings.TrimPrefix(line, "NAME="), "\"")
		case strings.HasPrefix(line, "VERSION="):
			version = strings.Trim(strings.TrimPrefix(line, "VERSION="), "\"")
		}
	}

	return distro, version
}
