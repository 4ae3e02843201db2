package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sweeney/eol-tester/internal/fixture"
	"github.com/sweeney/eol-tester/internal/logic"
	"github.com/sweeney/eol-tester/internal/sequencer"
	"github.com/sweeney/eol-tester/internal/threshold"
)

// writeFixtureError maps fixture sentinel errors to HTTP status codes.
func writeFixtureError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sequencer.ErrSessionActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, fixture.ErrUnknownDevice), errors.Is(err, threshold.ErrUnknownChannel):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, threshold.ErrInvalidRange), errors.Is(err, threshold.ErrInvalidTolerance):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, sequencer.ErrConnectFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decode(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// --- detection ---

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if err := s.op.StartDetect(); err != nil {
		writeFixtureError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"started": true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.op.CancelDetect()})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.op.Session()
	resp := SessionResponse{Active: ok}
	if ok {
		resp.Session = &sess
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- slow debug ---

func (s *Server) debugResponse() DebugResponse {
	d := s.op.Debugger()
	resp := DebugResponse{
		Enabled: d.Enabled(),
		Paused:  d.Paused(),
		Waiting: d.Waiting(),
		Steps:   d.Steps(),
	}
	if st, ok := d.Selected(); ok {
		resp.Selected = &st
	}
	if resp.Steps == nil {
		resp.Steps = []sequencer.Step{}
	}
	return resp
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.debugResponse())
}

func (s *Server) handleDebugMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	s.op.SetSlowDebug(req.Enabled)
	writeJSON(w, http.StatusOK, s.debugResponse())
}

func (s *Server) handleDebugAction(w http.ResponseWriter, r *http.Request) {
	d := s.op.Debugger()
	switch chi.URLParam(r, "action") {
	case "next":
		d.Next()
	case "prev":
		d.Previous()
	case "pause":
		d.Pause()
	case "resume":
		d.Resume()
	default:
		writeError(w, http.StatusNotFound, "unknown debug action")
		return
	}
	writeJSON(w, http.StatusOK, s.debugResponse())
}

// --- quick read ---

func (s *Server) handleQuickRead(w http.ResponseWriter, r *http.Request) {
	dev := logic.Device(chi.URLParam(r, "device"))
	var req QuickReadRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	var ids []uint8
	if len(req.Channels) > 0 {
		ids = req.Channels
	}
	res, err := s.op.QuickRead(r.Context(), dev, ids, req.Retry)
	if err != nil {
		writeFixtureError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, QuickReadResponse{Device: dev, Results: res})
}

func (s *Server) handleQuickReadCancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.op.CancelQuickRead()})
}

// --- thresholds ---

func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	th, reg := s.op.Thresholds(), s.op.Registry()
	resp := ThresholdsResponse{
		Power:     make(map[string]int32, len(logic.Rails)),
		Tolerance: make(map[string]int32, len(logic.Tolerances)),
	}
	for _, dev := range logic.Devices {
		for _, st := range statesFor(dev) {
			over := th.Overrides(dev, st)
			b := BucketThresholds{Device: dev, State: st}
			for _, id := range reg.IDs(dev) {
				rg := th.Get(dev, st, id)
				_, isOverride := over[id]
				b.Channels = append(b.Channels, ChannelThreshold{
					Channel:  id,
					Label:    reg.Label(dev, id),
					Min:      rg.Min,
					Max:      rg.Max,
					Override: isOverride,
				})
			}
			resp.Ranges = append(resp.Ranges, b)
		}
	}
	for _, rail := range logic.Rails {
		resp.Power[string(rail)] = th.Power(rail)
	}
	for _, t := range logic.Tolerances {
		resp.Tolerance[string(t)] = th.Tolerance(t)
	}
	writeJSON(w, http.StatusOK, resp)
}

// statesFor lists the states a device is measured in; sensors never run.
func statesFor(dev logic.Device) []logic.State {
	if dev == logic.DevicePrimary {
		return []logic.State{logic.StateIdle}
	}
	return logic.States
}

func bucketParams(r *http.Request) (logic.Device, logic.State, bool) {
	dev := logic.Device(chi.URLParam(r, "device"))
	st := logic.State(chi.URLParam(r, "state"))
	for _, known := range statesFor(dev) {
		if known == st && (dev == logic.DevicePrimary || dev == logic.DeviceSecondary) {
			return dev, st, true
		}
	}
	return "", "", false
}

func decodeRange(w http.ResponseWriter, r *http.Request) (logic.Range, bool) {
	var req RangeRequest
	if err := decode(r, &req); err != nil || req.Min == nil || req.Max == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"min\":n,\"max\":n}")
		return logic.Range{}, false
	}
	return logic.Range{Min: *req.Min, Max: *req.Max}, true
}

func (s *Server) handleSetAll(w http.ResponseWriter, r *http.Request) {
	dev, st, ok := bucketParams(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device or state")
		return
	}
	rg, ok := decodeRange(w, r)
	if !ok {
		return
	}
	if err := s.op.Thresholds().SetAll(dev, st, rg); err != nil {
		writeFixtureError(w, err)
		return
	}
	s.handleThresholds(w, r)
}

func (s *Server) handleSetRange(w http.ResponseWriter, r *http.Request) {
	dev, st, ok := bucketParams(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown device or state")
		return
	}
	id, err := strconv.ParseUint(chi.URLParam(r, "channel"), 10, 8)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel")
		return
	}
	rg, ok := decodeRange(w, r)
	if !ok {
		return
	}
	if err := s.op.Thresholds().Set(dev, st, uint8(id), rg); err != nil {
		writeFixtureError(w, err)
		return
	}
	s.handleThresholds(w, r)
}

func decodeValue(w http.ResponseWriter, r *http.Request) (int32, bool) {
	var req ValueRequest
	if err := decode(r, &req); err != nil || req.Value == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"value\":n}")
		return 0, false
	}
	return *req.Value, true
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	rail := logic.Rail(chi.URLParam(r, "rail"))
	known := false
	for _, k := range logic.Rails {
		known = known || k == rail
	}
	if !known {
		writeError(w, http.StatusNotFound, "unknown rail")
		return
	}
	v, ok := decodeValue(w, r)
	if !ok {
		return
	}
	if err := s.op.Thresholds().SetPower(rail, v); err != nil {
		writeFixtureError(w, err)
		return
	}
	s.handleThresholds(w, r)
}

func (s *Server) handleTolerance(w http.ResponseWriter, r *http.Request) {
	kind := logic.Tolerance(chi.URLParam(r, "kind"))
	known := false
	for _, k := range logic.Tolerances {
		known = known || k == kind
	}
	if !known {
		writeError(w, http.StatusNotFound, "unknown tolerance")
		return
	}
	v, ok := decodeValue(w, r)
	if !ok {
		return
	}
	if err := s.op.Thresholds().SetTolerance(kind, v); err != nil {
		writeFixtureError(w, err)
		return
	}
	s.handleThresholds(w, r)
}

func (s *Server) handleThresholdReset(w http.ResponseWriter, r *http.Request) {
	if err := s.op.Thresholds().ResetToDefaults(); err != nil {
		writeFixtureError(w, err)
		return
	}
	s.handleThresholds(w, r)
}
