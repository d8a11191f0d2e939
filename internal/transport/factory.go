// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package transport

import (
	"fmt"
)

// Options configures whichever Transport variant Kind selects.
type Options struct {
	Kind     Kind
	Endpoint string // port name, host:port, or ws(s):// URL depending on Kind
	BaudRate int    // serial only
}

// New constructs the requested transport variant without connecting it.
func New(opts Options) (Transport, error) {
	switch opts.Kind {
	case KindSerial:
		return NewSerial(opts.Endpoint, opts.BaudRate), nil
	case KindTCP:
		return NewTCP(opts.Endpoint), nil
	case KindWebSocket:
		return NewWebSocket(opts.Endpoint), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", opts.Kind)
	}
}
