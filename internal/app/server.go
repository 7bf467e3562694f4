package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phishguard/phishguard/internal/capture"
	"github.com/phishguard/phishguard/internal/health"
	"github.com/phishguard/phishguard/internal/lab"
	"github.com/phishguard/phishguard/internal/observe"
	"github.com/phishguard/phishguard/internal/scan"
)

// analyzeRequest is the POST /api/analyze body.
type analyzeRequest struct {
	Content string `json:"content"`
	Type    string `json:"type"`
}

// labStatus is the GET /api/lab/status body.
type labStatus struct {
	State        string   `json:"state"`
	Status       string   `json:"status"`
	ScamDetected bool     `json:"scamDetected"`
	IncomingCall bool     `json:"incomingCall"`
	Transcript   []string `json:"transcript"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// initServer builds the route table and the HTTP server.
func (a *App) initServer() {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/analyze", a.handleAnalyze)
	mux.HandleFunc("GET /api/history", a.handleHistory)
	mux.HandleFunc("POST /api/lab/activate", a.handleLabActivate)
	mux.HandleFunc("POST /api/lab/stop", a.handleLabStop)
	mux.HandleFunc("GET /api/lab/status", a.handleLabStatus)
	mux.HandleFunc("POST /api/lab/simulate", a.handleLabSimulate)
	mux.HandleFunc("POST /api/lab/simulate/end", a.handleLabSimulateEnd)

	health.New(a.checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	a.server = &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handler returns the app's HTTP handler. Used by tests.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

func (a *App) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if a.analyzer == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, errorResponse{Error: "text analysis is not configured"})
		return
	}

	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	typ, err := scan.ParseContentType(req.Type)
	if err != nil {
		writeJSONResponse(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.Content == "" {
		writeJSONResponse(w, http.StatusBadRequest, errorResponse{Error: "content must not be empty"})
		return
	}

	ctx := r.Context()
	start := time.Now()
	entry, err := a.analyzer.Analyze(ctx, req.Content, typ)
	a.metrics.AnalysisDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		var overload *scan.OverloadError
		if errors.As(err, &overload) {
			a.metrics.RecordScan(ctx, string(typ), "overloaded")
			writeJSONResponse(w, http.StatusServiceUnavailable, errorResponse{
				Error: "analysis backend is overloaded, try again later",
			})
			return
		}
		a.metrics.RecordScan(ctx, string(typ), "error")
		slog.Error("analysis failed", "type", typ, "err", err)
		writeJSONResponse(w, http.StatusInternalServerError, errorResponse{Error: "analysis failed"})
		return
	}
	a.metrics.RecordScan(ctx, string(typ), "ok")

	if err := a.historyLog.Add(ctx, *entry); err != nil {
		slog.Warn("failed to persist history entry", "id", entry.ID, "err", err)
	}

	writeJSONResponse(w, http.StatusOK, entry)
}

func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	entries := a.historyLog.Entries()
	if entries == nil {
		entries = []scan.Entry{}
	}
	writeJSONResponse(w, http.StatusOK, entries)
}

func (a *App) handleLabActivate(w http.ResponseWriter, r *http.Request) {
	if a.controller == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, errorResponse{Error: "vishing lab is not configured"})
		return
	}

	err := a.controller.Activate(r.Context())
	if err != nil {
		var transport *lab.TransportError
		var permission *capture.PermissionError
		switch {
		case errors.As(err, &transport):
			a.metrics.RecordProviderError(r.Context(), "live", "transport")
			writeJSONResponse(w, http.StatusBadGateway, errorResponse{Error: "could not reach the live transport"})
		case errors.As(err, &permission):
			writeJSONResponse(w, http.StatusInternalServerError, errorResponse{Error: "microphone unavailable"})
		default:
			writeJSONResponse(w, http.StatusConflict, errorResponse{Error: err.Error()})
		}
		return
	}

	a.writeLabStatus(w)
}

func (a *App) handleLabStop(w http.ResponseWriter, _ *http.Request) {
	if a.controller == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, errorResponse{Error: "vishing lab is not configured"})
		return
	}
	a.controller.Stop()
	a.writeLabStatus(w)
}

func (a *App) handleLabStatus(w http.ResponseWriter, _ *http.Request) {
	if a.controller == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, errorResponse{Error: "vishing lab is not configured"})
		return
	}
	a.writeLabStatus(w)
}

func (a *App) handleLabSimulate(w http.ResponseWriter, _ *http.Request) {
	if a.controller == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, errorResponse{Error: "vishing lab is not configured"})
		return
	}
	a.controller.SimulateIncomingCall()
	a.writeLabStatus(w)
}

func (a *App) handleLabSimulateEnd(w http.ResponseWriter, _ *http.Request) {
	if a.controller == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, errorResponse{Error: "vishing lab is not configured"})
		return
	}
	a.controller.EndSimulation()
	a.writeLabStatus(w)
}

func (a *App) writeLabStatus(w http.ResponseWriter) {
	transcript := a.controller.Transcript()
	if transcript == nil {
		transcript = []string{}
	}
	writeJSONResponse(w, http.StatusOK, labStatus{
		State:        a.controller.State().String(),
		Status:       a.controller.Status(),
		ScamDetected: a.controller.ScamDetected(),
		IncomingCall: a.controller.IncomingCall(),
		Transcript:   transcript,
	})
}

// writeJSONResponse encodes v as JSON with the given status code.
func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "err", err)
	}
}
