// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package protocol

import (
	"strconv"
	"strings"

	"grblhost/internal/state"
)

// ResponseKind is the closed tagged variant of a parsed response.
type ResponseKind string

const (
	RespOk       ResponseKind = "ok"
	RespError    ResponseKind = "error"
	RespAlarm    ResponseKind = "alarm"
	RespStatus   ResponseKind = "status"
	RespWelcome  ResponseKind = "welcome"
	RespSetting  ResponseKind = "setting"
	RespFeedback ResponseKind = "feedback"
	RespMessage  ResponseKind = "message"
)

// Response is the parsed form of one received line.
type Response struct {
	Kind ResponseKind

	ErrorCode int // RespError
	AlarmCode int // RespAlarm

	Status *state.StatusReport // RespStatus

	WelcomeVersion string // RespWelcome

	SettingNumber int    // RespSetting
	SettingValue  string // RespSetting

	Text string // RespFeedback ("[...]" with brackets stripped) / RespMessage

	Raw string // original line, always set
}

// ParseLine parses exactly one received line into a Response. It never
// fails outright: a malformed numeric field inside a status report is
// dropped from the parsed structure and reported via the second return
// value (a "parse: ..." diagnostic the caller should publish as
// Feedback), not by rejecting the whole line.
func ParseLine(line string) (Response, string) {
	trimmed := strings.TrimRight(line, " \t\r\n")
	raw := trimmed

	switch {
	case trimmed == "ok":
		return Response{Kind: RespOk, Raw: raw}, ""

	case strings.HasPrefix(trimmed, "error:"):
		code, err := strconv.Atoi(strings.TrimPrefix(trimmed, "error:"))
		if err != nil {
			return Response{Kind: RespMessage, Text: trimmed, Raw: raw}, "parse: malformed error code in " + raw
		}
		return Response{Kind: RespError, ErrorCode: code, Raw: raw}, ""

	case strings.HasPrefix(trimmed, "ALARM:"):
		code, err := strconv.Atoi(strings.TrimPrefix(trimmed, "ALARM:"))
		if err != nil {
			return Response{Kind: RespMessage, Text: trimmed, Raw: raw}, "parse: malformed alarm code in " + raw
		}
		return Response{Kind: RespAlarm, AlarmCode: code, Raw: raw}, ""

	case strings.HasPrefix(trimmed, "<") && strings.HasSuffix(trimmed, ">"):
		report, diag := parseStatus(trimmed)
		return Response{Kind: RespStatus, Status: &report, Raw: raw}, diag

	case strings.HasPrefix(trimmed, "Grbl "):
		return Response{Kind: RespWelcome, WelcomeVersion: strings.TrimPrefix(trimmed, "Grbl "), Raw: raw}, ""

	case strings.HasPrefix(trimmed, "$") && strings.Contains(trimmed, "="):
		if resp, ok := parseSetting(trimmed); ok {
			return resp, ""
		}
		return Response{Kind: RespMessage, Text: trimmed, Raw: raw}, "parse: malformed setting line " + raw

	case strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"):
		return Response{Kind: RespFeedback, Text: strings.TrimSuffix(strings.TrimPrefix(trimmed, "["), "]"), Raw: raw}, ""

	case trimmed != "":
		return Response{Kind: RespMessage, Text: trimmed, Raw: raw}, ""

	default:
		return Response{Kind: RespMessage, Text: "", Raw: raw}, ""
	}
}

func parseSetting(line string) (Response, bool) {
	body := strings.TrimPrefix(line, "$")
	parts := strings.SplitN(body, "=", 2)
	if len(parts) != 2 {
		return Response{}, false
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return Response{}, false
	}
	return Response{Kind: RespSetting, SettingNumber: n, SettingValue: parts[1], Raw: line}, true
}

// parseStatus parses a "<State|Key:V,V|Key:V>" line into a
// state.StatusReport, tolerating unknown keys and dropping (not
// failing on) individual malformed numeric fields.
func parseStatus(line string) (state.StatusReport, string) {
	var diag string
	body := strings.TrimSuffix(strings.TrimPrefix(line, "<"), ">")
	fields := strings.Split(body, "|")
	if len(fields) == 0 {
		return state.StatusReport{State: state.Unknown}, "parse: empty status body"
	}

	report := state.StatusReport{State: mapStatus(fields[0])}

	for _, field := range fields[1:] {
		kv := strings.SplitN(field, ":", 2)
		if len(kv) != 2 {
			continue // unknown/malformed key, ignored (not an error)
		}
		key, vals := kv[0], strings.Split(kv[1], ",")

		switch key {
		case "MPos":
			if p, ok := parsePosition(vals); ok {
				report.MPos = &p
			} else {
				diag = appendDiag(diag, "parse: malformed MPos in "+line)
			}
		case "WPos":
			if p, ok := parsePosition(vals); ok {
				report.WPos = &p
			} else {
				diag = appendDiag(diag, "parse: malformed WPos in "+line)
			}
		case "WCO":
			if p, ok := parsePosition(vals); ok {
				report.WCO = &p
			} else {
				diag = appendDiag(diag, "parse: malformed WCO in "+line)
			}
		case "FS":
			if len(vals) >= 2 {
				feed, err1 := strconv.ParseFloat(strings.TrimSpace(vals[0]), 64)
				spindle, err2 := strconv.ParseFloat(strings.TrimSpace(vals[1]), 64)
				if err1 == nil && err2 == nil {
					report.Feed = &feed
					report.Spindle = &spindle
				} else {
					diag = appendDiag(diag, "parse: malformed FS in "+line)
				}
			}
		case "Ov":
			if len(vals) >= 3 {
				f, err1 := strconv.Atoi(strings.TrimSpace(vals[0]))
				r, err2 := strconv.Atoi(strings.TrimSpace(vals[1]))
				s, err3 := strconv.Atoi(strings.TrimSpace(vals[2]))
				if err1 == nil && err2 == nil && err3 == nil {
					ov := state.Overrides{Feed: state.ClampFeedOrSpindle(f), Rapid: state.ClampRapid(r), Spindle: state.ClampFeedOrSpindle(s)}
					report.Overrides = &ov
				} else {
					diag = appendDiag(diag, "parse: malformed Ov in "+line)
				}
			}
		case "Bf":
			if len(vals) >= 2 {
				blocks, err1 := strconv.Atoi(strings.TrimSpace(vals[0]))
				rx, err2 := strconv.Atoi(strings.TrimSpace(vals[1]))
				if err1 == nil && err2 == nil {
					buf := state.Buffer{PlannerBlocks: uint16(blocks), RxBytes: uint16(rx)}
					report.Buffer = &buf
				} else {
					diag = appendDiag(diag, "parse: malformed Bf in "+line)
				}
			}
		case "WCS":
			cs := state.CoordSystem(strings.TrimSpace(kv[1]))
			report.CoordSystem = &cs
		default:
			// unknown key: ignored, not an error
		}
	}

	return report, diag
}

func appendDiag(existing, next string) string {
	if existing == "" {
		return next
	}
	return existing + "; " + next
}

func parsePosition(vals []string) (state.Position, bool) {
	if len(vals) < 3 {
		return state.Position{}, false
	}
	x, err1 := strconv.ParseFloat(strings.TrimSpace(vals[0]), 64)
	y, err2 := strconv.ParseFloat(strings.TrimSpace(vals[1]), 64)
	z, err3 := strconv.ParseFloat(strings.TrimSpace(vals[2]), 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return state.Position{}, false
	}
	return state.Position{X: x, Y: y, Z: z}, true
}

func mapStatus(name string) state.MachineStatus {
	// GRBL sometimes appends a substate, e.g. "Hold:0"; only the name
	// before ':' selects the MachineStatus.
	if idx := strings.IndexByte(name, ':'); idx >= 0 {
		name = name[:idx]
	}
	switch name {
	case "Idle":
		return state.Idle
	case "Run":
		return state.Run
	case "Hold":
		return state.Hold
	case "Jog":
		return state.Jog
	case "Alarm":
		return state.Alarm
	case "Door":
		return state.Door
	case "Check":
		return state.Check
	case "Home":
		return state.Home
	case "Sleep":
		return state.Sleep
	default:
		return state.Unknown
	}
}
