// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build windows

package transport

import "go.bug.st/serial"

// ListPorts enumerates serial ports. On non-Unix systems all detected
// ports are returned regardless of unixUSBFilter.
func ListPorts(unixUSBFilter bool) ([]PortInfo, error) {
	names, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	ports := make([]PortInfo, 0, len(names))
	for _, name := range names {
		ports = append(ports, PortInfo{Name: name})
	}
	return ports, nil
}
