// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package hosterr defines the error taxonomy shared across the core:
// transport, protocol, streaming, parser and host-level errors, plus
// the error:N / ALARM:N lookup tables GRBL reports use.
package hosterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for observers (the ErrorOccurred event carries one).
type Kind string

const (
	KindTransport Kind = "transport"
	KindProtocol  Kind = "protocol"
	KindDevice    Kind = "device"
	KindStreaming Kind = "streaming"
	KindParser    Kind = "parser"
	KindHost      Kind = "host"
	KindConfig    Kind = "config"
)

// Sentinel transport errors, matched with errors.Is.
var (
	ErrTimeout          = errors.New("timeout")
	ErrNotFound         = errors.New("endpoint not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrAlreadyOpen      = errors.New("already open")
	ErrClosed           = errors.New("connection closed")
)

// Sentinel streaming/host errors.
var (
	ErrQueueOverflow      = errors.New("command queue overflow")
	ErrSendAfterDisconnect = errors.New("send after disconnect")
	ErrCommandTooLong     = errors.New("command too long for buffered mode")
	ErrIllegalTransition  = errors.New("illegal state transition")
	ErrNotConnected       = errors.New("not connected")
)

// Error wraps a Kind, optional device code, and underlying cause.
type Error struct {
	Kind    Kind
	Code    int // device error:N / ALARM:N code, 0 if not applicable
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func DeviceError(code int) *Error {
	return &Error{Kind: KindDevice, Code: code, Message: ErrorMessage(code)}
}

func DeviceAlarm(code int) *Error {
	return &Error{Kind: KindDevice, Code: code, Message: AlarmMessage(code)}
}

// errorMessages maps GRBL v1.1 error:N codes to human-readable strings.
var errorMessages = map[int]string{
	1:  "G-code words consist of a letter and a value. Letter was not found.",
	2:  "Numeric value format is not valid or missing an expected value.",
	3:  "Grbl '$' system command was not recognized or supported.",
	4:  "Negative value received for an expected positive value.",
	5:  "Homing cycle is not enabled via settings.",
	6:  "Minimum step pulse time must be greater than 3usec.",
	7:  "EEPROM read failed. Reset and restored to default values.",
	8:  "Grbl '$' command cannot be used unless Grbl is IDLE.",
	9:  "G-code locked out during alarm or jog state.",
	10: "Soft limits cannot be enabled without homing also enabled.",
	11: "Max characters per line exceeded. Line was not processed and executed.",
	12: "Grbl '$' setting value exceeds the maximum step rate supported.",
	13: "Safety door detected as opened and door state initiated.",
	14: "Build info or startup line exceeded EEPROM line length limit.",
	15: "Jog target exceeds machine travel. Command ignored.",
	16: "Jog command with no '=' or contains prohibited g-code.",
	17: "Laser mode requires PWM output.",
	20: "Unsupported or invalid g-code command found in block.",
	21: "More than one g-code command from same modal group found in block.",
	22: "Feed rate has not yet been set or is undefined.",
	23: "G-code command in block requires an integer value.",
	24: "Two G-code commands that both require the use of the XYZ axis words were detected in the block.",
	25: "A G-code word was repeated in the block.",
	26: "A G-code command implicitly or explicitly requires XYZ axis words in the block, but none were detected.",
	27: "N line number value is not within the valid range of 1 - 9,999,999.",
	28: "A G-code command was sent, but is missing some required P or L value words in the line.",
	29: "Grbl supports six work coordinate systems G54-G59. G59.1, G59.2, and G59.3 are not supported.",
	30: "The G53 G-code command requires either a G0 seek or G1 feed motion mode to be active.",
	31: "There are unused axis words in the block and G80 motion mode cancel is active.",
	32: "A G2 or G3 arc was commanded but there are no XYZ axis words in the selected plane to trace the arc.",
	33: "The motion command has an invalid target. G2, G3, and G38.2 generates this error.",
	34: "A G2 or G3 arc, traced with the radius definition, had a mathematical error when computing the arc geometry.",
	35: "A G2 or G3 arc, traced with IJK offsets, is missing the IJK offsets in the selected plane.",
	36: "There are unused, leftover G-code words that aren't used by any command in the block.",
	37: "The G43.1 dynamic tool length offset command cannot apply an offset to an axis other than its configured axis.",
	38: "Tool number greater than max supported value.",
}

// ErrorMessage returns the human-readable string for a GRBL error:N code,
// or a generic message for unknown codes.
func ErrorMessage(code int) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return fmt.Sprintf("unknown device error %d", code)
}

var alarmMessages = map[int]string{
	1:  "Hard limit triggered.",
	2:  "G-code motion target exceeds machine travel.",
	3:  "Reset while in motion. Grbl cannot guarantee position.",
	4:  "Probe fail. Probe not in expected initial state.",
	5:  "Probe fail. Probe did not contact the workpiece within the programmed travel.",
	6:  "Homing fail. The active homing cycle was reset.",
	7:  "Homing fail. Safety door was opened during homing cycle.",
	8:  "Homing fail. Pull off travel failed to clear limit switch.",
	9:  "Homing fail. Could not find limit switch within search distance.",
	10: "Homing fail. On dual axis machines, could not find the second limit switch for self-squaring.",
}

// AlarmMessage returns the human-readable string for a GRBL ALARM:N code,
// or a generic message for unknown codes.
func AlarmMessage(code int) string {
	if msg, ok := alarmMessages[code]; ok {
		return msg
	}
	return fmt.Sprintf("unknown alarm %d", code)
}
