// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package httpapi exposes internal/host's Host over a line-based JSON
// RPC style: one POST endpoint per operation, a generic
// registerJSONHandler[Req,Resp] wrapping decode/validate/execute/
// encode, and a slow-request timer that logs instead of failing.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"grblhost/internal/host"
	"grblhost/internal/hosterr"
	"grblhost/internal/protocol"
)

// Server wires a host.Host behind the HTTP surface.
type Server struct {
	h *host.Host
}

func New(h *host.Host) *Server {
	return &Server{h: h}
}

// ---- request/response types ----

type ConnectRequest struct {
	Endpoint string `json:"endpoint"`
}
type ConnectResponse struct {
	OK bool `json:"ok"`
}

type DisconnectRequest struct{}
type DisconnectResponse struct {
	OK bool `json:"ok"`
}

type ListPortsRequest struct{}
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
}
type ListPortsResponse struct {
	Ports []PortInfo `json:"ports"`
}

type StatusRequest struct{}
type StatusResponse struct {
	Connected   bool    `json:"connected"`
	MachineState string `json:"machine_state"`
	QueueDepth  int     `json:"queue_depth"`
	CurrentLine uint32  `json:"current_line"`
	TotalLines  uint32  `json:"total_lines"`
	Now         float64 `json:"now"`
}

type SendCommandRequest struct {
	Line string `json:"line"`
}
type SendCommandResponse struct {
	QueueID uint64 `json:"queue_id"`
}

var realTimeCodes = map[string]protocol.RealTimeCode{
	"status_query":            protocol.RTStatusQuery,
	"cycle_start_resume":      protocol.RTCycleStartResume,
	"feed_hold":                protocol.RTFeedHold,
	"soft_reset":               protocol.RTSoftReset,
	"safety_door":              protocol.RTSafetyDoor,
	"jog_cancel":               protocol.RTJogCancel,
	"feed_override_reset":      protocol.RTFeedOverrideReset,
	"feed_override_plus10":     protocol.RTFeedOverridePlus10,
	"feed_override_minus10":    protocol.RTFeedOverrideMinus10,
	"feed_override_plus1":      protocol.RTFeedOverridePlus1,
	"feed_override_minus1":     protocol.RTFeedOverrideMinus1,
	"rapid_override_100":       protocol.RTRapidOverride100,
	"rapid_override_50":        protocol.RTRapidOverride50,
	"rapid_override_25":        protocol.RTRapidOverride25,
	"spindle_override_reset":   protocol.RTSpindleOverrideReset,
	"spindle_override_plus10":  protocol.RTSpindleOverridePlus10,
	"spindle_override_minus10": protocol.RTSpindleOverrideMinus10,
	"spindle_override_plus1":   protocol.RTSpindleOverridePlus1,
	"spindle_override_minus1":  protocol.RTSpindleOverrideMinus1,
	"spindle_stop":             protocol.RTSpindleStop,
}

type SendRealtimeRequest struct {
	Code string `json:"code"`
}
type SendRealtimeResponse struct {
	OK bool `json:"ok"`
}

type JogRequest struct {
	Axes     map[string]float64 `json:"axes"`
	Feed     float64             `json:"feed"`
	Relative bool                `json:"relative"`
}
type JogResponse struct {
	QueueID uint64 `json:"queue_id"`
}

type OverrideRequest struct {
	Axis   string `json:"axis"` // "feed", "rapid" or "spindle"
	Target int    `json:"target"`
}
type OverrideResponse struct {
	OK bool `json:"ok"`
}

type LoadProgramRequest struct {
	Source string `json:"source"`
}
type LoadProgramResponse struct {
	LineCount int `json:"line_count"`
}

type RunRequest struct{}
type RunResponse struct{ OK bool `json:"ok"` }

type PauseRequest struct{}
type PauseResponse struct{ OK bool `json:"ok"` }

type ResumeRequest struct{}
type ResumeResponse struct{ OK bool `json:"ok"` }

type StopRequest struct{}
type StopResponse struct{ OK bool `json:"ok"` }

type ResetRequest struct{}
type ResetResponse struct{ OK bool `json:"ok"` }

type ResolveRequest struct {
	Resume bool `json:"resume"`
}
type ResolveResponse struct{ OK bool `json:"ok"` }

type SetStepModeRequest struct {
	On bool `json:"on"`
}
type SetStepModeResponse struct{ OK bool `json:"ok"` }

type ProgressRequest struct{}
type ProgressResponse struct {
	State         string  `json:"state"`
	FailCode      int     `json:"fail_code,omitempty"`
	CurrentLine   uint32  `json:"current_line"`
	TotalLines    uint32  `json:"total_lines"`
	ElapsedSec    float64 `json:"elapsed_sec"`
	RemainingSec  float64 `json:"remaining_sec"`
}

type ReadStateRequest struct{}
type ReadStateResponse struct {
	MachineState string  `json:"machine_state"`
	MPos         [3]float64 `json:"mpos"`
	WPos         [3]float64 `json:"wpos"`
	WCO          [3]float64 `json:"wco"`
	Feed         float64 `json:"feed"`
	Spindle      float64 `json:"spindle"`
	SpindleOn    bool    `json:"spindle_on"`
	FeedOverride uint8   `json:"feed_override"`
	RapidOverride uint8  `json:"rapid_override"`
	SpindleOverride uint8 `json:"spindle_override"`
	CoordSystem  string  `json:"coord_system"`
	HaveWCO      bool    `json:"have_wco"`
}

type QueryLinesRequest struct {
	FromLine    *int   `json:"from_line,omitempty"`
	ToLine      *int   `json:"to_line,omitempty"`
	Tail        *int   `json:"tail,omitempty"`
	FilterDir   string `json:"filter_dir,omitempty"`
	FilterRegex string `json:"filter_regex,omitempty"`
}
type LineInfo struct {
	LineNum int     `json:"line_num"`
	Dir     string  `json:"dir"`
	Content string  `json:"content"`
	Time    float64 `json:"time"`
}
type QueryLinesResponse struct {
	Count int        `json:"count"`
	Lines []LineInfo `json:"lines"`
	Now   float64    `json:"now"`
}

type QueryTelemetryRequest struct {
	Start float64  `json:"start"`
	End   float64  `json:"end"`
	Step  float32  `json:"step"`
	Query []string `json:"query"`
}
type QueryTelemetryResponse struct {
	Times  []float64                `json:"times"`
	Values map[string][]interface{} `json:"values"`
}

// ---- validation ----

func validateConnect(req *ConnectRequest) error {
	if req.Endpoint == "" {
		return errors.New("endpoint: cannot be empty")
	}
	return nil
}

func validateSendCommand(req *SendCommandRequest) error {
	if strings.Contains(req.Line, "\n") {
		return errors.New("line: cannot contain newline")
	}
	if req.Line == "" {
		return errors.New("line: cannot be empty")
	}
	return nil
}

func validateSendRealtime(req *SendRealtimeRequest) error {
	if _, ok := realTimeCodes[req.Code]; !ok {
		return fmt.Errorf("code: unrecognized real-time code %q", req.Code)
	}
	return nil
}

func validateJog(req *JogRequest) error {
	if len(req.Axes) == 0 {
		return errors.New("axes: cannot be empty")
	}
	for axis := range req.Axes {
		if len(axis) != 1 {
			return fmt.Errorf("axes: invalid axis letter %q", axis)
		}
	}
	if req.Feed <= 0 {
		return errors.New("feed: must be > 0")
	}
	return nil
}

func validateOverride(req *OverrideRequest) error {
	switch req.Axis {
	case "feed", "rapid", "spindle":
	default:
		return fmt.Errorf("axis: must be one of feed, rapid, spindle, got %q", req.Axis)
	}
	return nil
}

func validateLoadProgram(req *LoadProgramRequest) error {
	if req.Source == "" {
		return errors.New("source: cannot be empty")
	}
	return nil
}

func validateQueryLines(req *QueryLinesRequest) error {
	tailExists := req.Tail != nil
	rangeExists := req.FromLine != nil || req.ToLine != nil
	if tailExists && rangeExists {
		return errors.New("tail: cannot be used together with from_line/to_line")
	}
	if rangeExists {
		if req.FromLine != nil && *req.FromLine < 1 {
			return errors.New("from_line: must be >= 1")
		}
		if req.ToLine != nil && *req.ToLine < 1 {
			return errors.New("to_line: must be >= 1")
		}
		if req.FromLine != nil && req.ToLine != nil && *req.ToLine < *req.FromLine {
			return errors.New("to_line must be >= from_line")
		}
	}
	if tailExists && *req.Tail < 1 {
		return errors.New("tail: must be >= 1")
	}
	if req.FilterDir != "" && req.FilterDir != "up" && req.FilterDir != "down" {
		return errors.New("filter_dir: must be 'up' or 'down'")
	}
	if req.FilterRegex != "" {
		if _, err := regexp.Compile(req.FilterRegex); err != nil {
			return fmt.Errorf("filter_regex: invalid regex: %w", err)
		}
	}
	return nil
}

func validateQueryTelemetry(req *QueryTelemetryRequest) error {
	if len(req.Query) == 0 {
		return errors.New("query: cannot be empty")
	}
	if len(req.Query) > 1000 {
		return errors.New("query: too many keys")
	}
	if req.Start < 0 || req.End < 0 {
		return errors.New("start/end: must be >= 0")
	}
	if req.End < req.Start {
		return errors.New("end: must be >= start")
	}
	if req.Step <= 0 {
		return errors.New("step: must be > 0")
	}
	if (req.End-req.Start)/float64(req.Step) > 10000 {
		return errors.New("too many samples requested")
	}
	return nil
}

func noValidation[T any](*T) error { return nil }

// ---- execution ----

func (s *Server) execConnect(req *ConnectRequest) (*ConnectResponse, error) {
	if err := s.h.Connect(req.Endpoint); err != nil {
		return nil, err
	}
	return &ConnectResponse{OK: true}, nil
}

func (s *Server) execDisconnect(*DisconnectRequest) (*DisconnectResponse, error) {
	if err := s.h.Disconnect(); err != nil {
		return nil, err
	}
	return &DisconnectResponse{OK: true}, nil
}

func (s *Server) execListPorts(*ListPortsRequest) (*ListPortsResponse, error) {
	ports, err := s.h.ListPorts()
	if err != nil {
		return nil, err
	}
	resp := &ListPortsResponse{Ports: make([]PortInfo, len(ports))}
	for i, p := range ports {
		resp.Ports[i] = PortInfo{Name: p.Name, IsUSB: p.IsUSB, VID: p.VID, PID: p.PID, SerialNumber: p.SerialNumber}
	}
	return resp, nil
}

func (s *Server) execStatus(*StatusRequest) (*StatusResponse, error) {
	snap := s.h.ReadState()
	resp := &StatusResponse{
		Connected:    s.h.IsConnected(),
		MachineState: string(snap.Status),
		Now:          float64(time.Now().UnixNano()) / 1e9,
	}
	if p, err := s.h.Progress(); err == nil {
		resp.CurrentLine = p.CurrentLine
		resp.TotalLines = p.TotalLines
		resp.QueueDepth = int(p.TotalLines - p.CurrentLine)
	}
	return resp, nil
}

func (s *Server) execSendCommand(req *SendCommandRequest) (*SendCommandResponse, error) {
	id, err := s.h.SendCommand(protocol.GCode(req.Line))
	if err != nil {
		return nil, err
	}
	return &SendCommandResponse{QueueID: id}, nil
}

func (s *Server) execSendRealtime(req *SendRealtimeRequest) (*SendRealtimeResponse, error) {
	code := realTimeCodes[req.Code]
	if err := s.h.SendRealtime(code); err != nil {
		return nil, err
	}
	return &SendRealtimeResponse{OK: true}, nil
}

func (s *Server) execOverride(req *OverrideRequest) (*OverrideResponse, error) {
	var err error
	switch req.Axis {
	case "feed":
		err = s.h.SetFeedOverride(req.Target)
	case "rapid":
		err = s.h.SetRapidOverride(req.Target)
	case "spindle":
		err = s.h.SetSpindleOverride(req.Target)
	}
	if err != nil {
		return nil, err
	}
	return &OverrideResponse{OK: true}, nil
}

func (s *Server) execJog(req *JogRequest) (*JogResponse, error) {
	axes := make(map[byte]float64, len(req.Axes))
	for k, v := range req.Axes {
		axes[k[0]] = v
	}
	id, err := s.h.Jog(axes, req.Feed, req.Relative)
	if err != nil {
		return nil, err
	}
	return &JogResponse{QueueID: id}, nil
}

func (s *Server) execLoadProgram(req *LoadProgramRequest) (*LoadProgramResponse, error) {
	prog, err := s.h.LoadProgram(req.Source)
	if err != nil {
		return nil, err
	}
	return &LoadProgramResponse{LineCount: len(prog.Blocks)}, nil
}

func (s *Server) execRun(*RunRequest) (*RunResponse, error) {
	if err := s.h.Run(); err != nil {
		return nil, err
	}
	return &RunResponse{OK: true}, nil
}

func (s *Server) execPause(*PauseRequest) (*PauseResponse, error) {
	if err := s.h.Pause(); err != nil {
		return nil, err
	}
	return &PauseResponse{OK: true}, nil
}

func (s *Server) execResume(*ResumeRequest) (*ResumeResponse, error) {
	if err := s.h.Resume(); err != nil {
		return nil, err
	}
	return &ResumeResponse{OK: true}, nil
}

func (s *Server) execStop(*StopRequest) (*StopResponse, error) {
	if err := s.h.Stop(); err != nil {
		return nil, err
	}
	return &StopResponse{OK: true}, nil
}

func (s *Server) execReset(*ResetRequest) (*ResetResponse, error) {
	if err := s.h.Reset(); err != nil {
		return nil, err
	}
	return &ResetResponse{OK: true}, nil
}

func (s *Server) execResolve(req *ResolveRequest) (*ResolveResponse, error) {
	if err := s.h.Resolve(req.Resume); err != nil {
		return nil, err
	}
	return &ResolveResponse{OK: true}, nil
}

func (s *Server) execSetStepMode(req *SetStepModeRequest) (*SetStepModeResponse, error) {
	if err := s.h.SetStepMode(req.On); err != nil {
		return nil, err
	}
	return &SetStepModeResponse{OK: true}, nil
}

func (s *Server) execProgress(*ProgressRequest) (*ProgressResponse, error) {
	p, err := s.h.Progress()
	if err != nil {
		return nil, err
	}
	return &ProgressResponse{
		State:        string(p.State),
		FailCode:     p.FailCode,
		CurrentLine:  p.CurrentLine,
		TotalLines:   p.TotalLines,
		ElapsedSec:   p.Elapsed.Seconds(),
		RemainingSec: p.TimeRemaining.Seconds(),
	}, nil
}

func (s *Server) execReadState(*ReadStateRequest) (*ReadStateResponse, error) {
	snap := s.h.ReadState()
	return &ReadStateResponse{
		MachineState:    string(snap.Status),
		MPos:            [3]float64{snap.MPos.X, snap.MPos.Y, snap.MPos.Z},
		WPos:            [3]float64{snap.WPos.X, snap.WPos.Y, snap.WPos.Z},
		WCO:             [3]float64{snap.WCO.X, snap.WCO.Y, snap.WCO.Z},
		Feed:            snap.Feed,
		Spindle:         snap.Spindle,
		SpindleOn:       snap.SpindleOn,
		FeedOverride:    snap.Overrides.Feed,
		RapidOverride:   snap.Overrides.Rapid,
		SpindleOverride: snap.Overrides.Spindle,
		CoordSystem:     string(snap.CoordSystem),
		HaveWCO:         snap.HaveWCO,
	}, nil
}

func (s *Server) execQueryLines(req *QueryLinesRequest) (*QueryLinesResponse, error) {
	opts := host.QueryOptions{FilterDir: req.FilterDir}
	if req.FilterRegex != "" {
		opts.FilterRegex = regexp.MustCompile(req.FilterRegex)
	}
	switch {
	case req.Tail != nil:
		opts.Scan = host.TailScan{N: *req.Tail}
	case req.FromLine != nil || req.ToLine != nil:
		opts.Scan = host.RangeScan{FromLine: req.FromLine, ToLine: req.ToLine}
	}

	lines := s.h.QueryLines(opts)
	total := len(lines)
	const maxLines = 1000
	if len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	resp := &QueryLinesResponse{
		Count: total,
		Lines: make([]LineInfo, len(lines)),
		Now:   float64(time.Now().UnixNano()) / 1e9,
	}
	for i, l := range lines {
		resp.Lines[i] = LineInfo{
			LineNum: l.Num,
			Dir:     l.Dir,
			Content: l.Content,
			Time:    float64(l.Time.UnixNano()) / 1e9,
		}
	}
	return resp, nil
}

func (s *Server) execQueryTelemetry(req *QueryTelemetryRequest) (*QueryTelemetryResponse, error) {
	start := time.Unix(0, int64(req.Start*1e9))
	end := time.Unix(0, int64(req.End*1e9))
	step := time.Duration(float64(req.Step) * float64(time.Second))

	times, vals := s.h.QueryTelemetry(req.Query, start, end, step)
	resp := &QueryTelemetryResponse{
		Times:  make([]float64, len(times)),
		Values: make(map[string][]interface{}, len(vals)),
	}
	for i, t := range times {
		resp.Times[i] = float64(t.UnixNano()) / 1e9
	}
	for k, vs := range vals {
		out := make([]interface{}, len(vs))
		for i, v := range vs {
			out[i] = v
		}
		resp.Values[k] = out
	}
	return resp, nil
}

// ---- generic handler + routing ----

func registerJSONHandler[ReqT any, RespT any](mux *http.ServeMux, path string, validate func(*ReqT) error, exec func(*ReqT) (*RespT, error)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req ReqT
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "invalid JSON: %v", err)
			return
		}
		if err := validate(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "invalid request: %v", err)
			return
		}

		slowTimer := time.AfterFunc(time.Second, func() {
			body, _ := json.Marshal(req)
			slog.Warn("API exec taking more than 1 second", "path", path, "req", string(body))
		})
		resp, err := exec(&req)
		slowTimer.Stop()
		if err != nil {
			w.WriteHeader(statusFor(err))
			fmt.Fprintf(w, "%v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	})
}

// statusFor maps the hosterr taxonomy onto an HTTP status, so "not
// connected" and "already open" read as 4xx instead of a blanket 500.
func statusFor(err error) int {
	if errors.Is(err, hosterr.ErrNotConnected) {
		return http.StatusBadRequest
	}
	var he *hosterr.Error
	if errors.As(err, &he) {
		switch he.Kind {
		case hosterr.KindHost, hosterr.KindConfig:
			return http.StatusBadRequest
		case hosterr.KindTransport, hosterr.KindDevice:
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusInternalServerError
}

// Handler returns an http.Handler exposing every Host operation.
// cmd/grblhostd wraps this directly in http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	registerJSONHandler(mux, "/connect", validateConnect, s.execConnect)
	registerJSONHandler(mux, "/disconnect", noValidation[DisconnectRequest], s.execDisconnect)
	registerJSONHandler(mux, "/list-ports", noValidation[ListPortsRequest], s.execListPorts)
	registerJSONHandler(mux, "/status", noValidation[StatusRequest], s.execStatus)
	registerJSONHandler(mux, "/send-command", validateSendCommand, s.execSendCommand)
	registerJSONHandler(mux, "/send-realtime", validateSendRealtime, s.execSendRealtime)
	registerJSONHandler(mux, "/jog", validateJog, s.execJog)
	registerJSONHandler(mux, "/override", validateOverride, s.execOverride)
	registerJSONHandler(mux, "/load-program", validateLoadProgram, s.execLoadProgram)
	registerJSONHandler(mux, "/run", noValidation[RunRequest], s.execRun)
	registerJSONHandler(mux, "/pause", noValidation[PauseRequest], s.execPause)
	registerJSONHandler(mux, "/resume", noValidation[ResumeRequest], s.execResume)
	registerJSONHandler(mux, "/stop", noValidation[StopRequest], s.execStop)
	registerJSONHandler(mux, "/reset", noValidation[ResetRequest], s.execReset)
	registerJSONHandler(mux, "/resolve", noValidation[ResolveRequest], s.execResolve)
	registerJSONHandler(mux, "/set-step-mode", noValidation[SetStepModeRequest], s.execSetStepMode)
	registerJSONHandler(mux, "/progress", noValidation[ProgressRequest], s.execProgress)
	registerJSONHandler(mux, "/read-state", noValidation[ReadStateRequest], s.execReadState)
	registerJSONHandler(mux, "/query-lines", validateQueryLines, s.execQueryLines)
	registerJSONHandler(mux, "/query-telemetry", validateQueryTelemetry, s.execQueryTelemetry)
	return mux
}

// ListenAndServe starts the HTTP server on addr, blocking until it exits.
func (s *Server) ListenAndServe(addr string) error {
	slog.Info("HTTP server started", "addr", addr)
	return http.ListenAndServe(addr, s.Handler())
}
