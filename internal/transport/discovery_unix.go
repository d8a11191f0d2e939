// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !windows

package transport

import (
	"regexp"

	"go.bug.st/serial"
)

// usbPortPattern matches the device names GRBL boards actually enumerate
// as on Linux/macOS (CH340/FTDI/CDC-ACM USB-serial adapters).
var usbPortPattern = regexp.MustCompile(`tty(USB|ACM)\d+`)

// ListPorts enumerates serial ports, filtered to USB-style device names
// on Unix-like systems. Mirrors the per-platform split the pack's
// Daedaluz-goserial keeps as separate _linux.go files rather than a
// runtime.GOOS switch.
func ListPorts(unixUSBFilter bool) ([]PortInfo, error) {
	names, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}

	ports := make([]PortInfo, 0, len(names))
	for _, name := range names {
		isUSB := usbPortPattern.MatchString(name)
		if unixUSBFilter && !isUSB {
			continue
		}
		ports = append(ports, PortInfo{Name: name, IsUSB: isUSB})
	}
	return ports, nil
}
