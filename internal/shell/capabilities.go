// Copyright (c) lanzaboote-go contributors.
// Licensed under the MIT License.

package shell

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// dropAllCapabilities clears every capability set (effective, permitted,
// inheritable) for the current thread before running an initrd-secrets
// hook, which is an arbitrary command named by the boot spec rather than
// something this module controls.
func dropAllCapabilities() error {
	lastCap, err := readCapLastCap()
	if err != nil {
		return err
	}

	for capNum := 0; capNum <= lastCap; capNum++ {
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(capNum), 0, 0, 0); err != nil {
			if err == unix.EINVAL {
				continue
			}
			return fmt.Errorf("failed to drop capability %d from bounding set:\n%w", capNum, err)
		}
	}

	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	data := [2]unix.CapUserData{}
	_, _, errno := unix.Syscall(unix.SYS_CAPSET, uintptr(unsafe.Pointer(&hdr)), uintptr(unsafe.Pointer(&data[0])), 0)
	if errno != 0 {
		return fmt.Errorf("failed to clear process capability sets:\n%w", errno)
	}

	return nil
}

func readCapLastCap() (int, error) {
	f, err := os.Open("/proc/sys/kernel/cap_last_cap")
	if err != nil {
		return 0, fmt.Errorf("failed to read cap_last_cap:\n%w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("cap_last_cap was empty")
	}

	n, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return 0, fmt.Errorf("failed to parse cap_last_cap:\n%w", err)
	}
	return n, nil
}
