// Package httpapi implements the Ingress API: the HTTP boundary
// that accepts externally submitted commands and exposes the internal
// endpoints (pending-poll, status-update, event-webhook) used by
// sidecar workers, plus the unauthenticated /healthz and /metrics
// surfaces.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/suporterfid/smartreader-gateway/internal/buildinfo"
	"github.com/suporterfid/smartreader-gateway/internal/metrics"
	"github.com/suporterfid/smartreader-gateway/internal/mqtt"
	"github.com/suporterfid/smartreader-gateway/internal/router"
	"github.com/suporterfid/smartreader-gateway/internal/store"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the Ingress API HTTP server.
type Server struct {
	address string
	port    int
	apiKey  string
	store   *store.Store
	router  *router.Router
	session *mqtt.Session
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates an Ingress API server. session may be nil (sidecar
// deployments run the broker session elsewhere); diagnostics then
// report 503.
func NewServer(address string, port int, apiKey string, st *store.Store, rtr *router.Router, session *mqtt.Session, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		apiKey:  apiKey,
		store:   st,
		router:  rtr,
		session: session,
		logger:  logger.With("component", "httpapi"),
	}
}

// Handler builds the route table. Exposed separately from Start so
// tests can drive it through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Command lifecycle
	mux.HandleFunc("POST /api/commands/{$}", s.auth(s.handleCommandSubmit))
	mux.HandleFunc("GET /api/commands/pending/{$}", s.auth(s.handleCommandsPending))
	mux.HandleFunc("GET /api/commands/{command_id}/{$}", s.auth(s.handleCommandGet))
	mux.HandleFunc("PUT /api/commands/{command_id}/status/{$}", s.auth(s.handleCommandStatus))

	// Inbound Router webhook for sidecar deployments
	mux.HandleFunc("POST /api/mqtt/process/{$}", s.auth(s.handleMQTTProcess))
	mux.HandleFunc("GET /api/mqtt/diagnostics/{$}", s.auth(s.handleMQTTDiagnostics))

	// Reader registry (operator surface feeding the core)
	mux.HandleFunc("POST /api/readers/{$}", s.auth(s.handleReaderCreate))
	mux.HandleFunc("GET /api/readers/{$}", s.auth(s.handleReaderList))
	mux.HandleFunc("GET /api/readers/{serial}/commands/{$}", s.auth(s.handleReaderCommands))

	// Scheduled commands (operator surface feeding the Scheduler)
	mux.HandleFunc("POST /api/schedules/{$}", s.auth(s.handleScheduleCreate))
	mux.HandleFunc("GET /api/schedules/{$}", s.auth(s.handleScheduleList))

	// Unauthenticated ambient surfaces
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())

	return s.withObservability(mux)
}

// Start begins serving HTTP requests. Blocks until the listener fails
// or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting ingress API", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withObservability(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", elapsed,
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// auth enforces the X-API-Key check on core endpoints. An
// unconfigured key fails closed: every request is rejected until the
// operator sets one. The body on 401 is deliberately opaque.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if s.apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			s.errorResponse(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{"error": message}, s.logger)
}

// commandJSON is the external representation of a Command.
type commandJSON struct {
	CommandID    string          `json:"command_id"`
	ReaderSerial string          `json:"reader_serial_number"`
	CommandType  string          `json:"command_type"`
	Details      json.RawMessage `json:"details,omitempty"`
	Status       string          `json:"status"`
	Response     string          `json:"response,omitempty"`
	DateSent     time.Time       `json:"date_sent"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func toCommandJSON(c *store.Command) commandJSON {
	out := commandJSON{
		CommandID:    c.CommandID,
		ReaderSerial: c.ReaderSerial,
		CommandType:  string(c.CommandType),
		Status:       string(c.Status),
		Response:     c.Response,
		DateSent:     c.DateSent,
		UpdatedAt:    c.UpdatedAt,
	}
	if c.DetailsJSON != "" {
		out.Details = json.RawMessage(c.DetailsJSON)
	}
	return out
}

var validCommandTypes = map[store.CommandType]bool{
	store.CommandStart:          true,
	store.CommandStop:           true,
	store.CommandStatusDetailed: true,
	store.CommandMode:           true,
	store.CommandUpgrade:        true,
}

type commandSubmitRequest struct {
	ReaderSerial string          `json:"reader_serial_number"`
	CommandType  string          `json:"command_type"`
	Details      json.RawMessage `json:"details,omitempty"`
}

func (s *Server) handleCommandSubmit(w http.ResponseWriter, r *http.Request) {
	var req commandSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ReaderSerial == "" {
		s.errorResponse(w, http.StatusBadRequest, "reader_serial_number is required")
		return
	}
	ct := store.CommandType(req.CommandType)
	if !validCommandTypes[ct] {
		s.errorResponse(w, http.StatusBadRequest, "unknown command_type: "+req.CommandType)
		return
	}

	if _, err := s.store.GetReader(req.ReaderSerial); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "unknown reader: "+req.ReaderSerial)
			return
		}
		s.logger.Error("reader lookup failed", "serial", req.ReaderSerial, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "reader lookup failed")
		return
	}

	if ct == store.CommandUpgrade {
		if msg := validateUpgradeDetails(req.Details); msg != "" {
			s.errorResponse(w, http.StatusBadRequest, msg)
			return
		}
	}

	cmd := &store.Command{
		ReaderSerial: req.ReaderSerial,
		CommandType:  ct,
		DetailsJSON:  string(req.Details),
	}
	if err := s.store.CreateCommand(cmd); err != nil {
		s.logger.Error("create command failed", "serial", req.ReaderSerial, "error", err)
		s.errorResponse(w, http.StatusBadRequest, "create command: "+err.Error())
		return
	}
	metrics.CommandsEnqueuedTotal.WithLabelValues(string(ct)).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, toCommandJSON(cmd), s.logger)
}

// validateUpgradeDetails enforces the upgrade payload contract:
// url, timeoutInMinutes, and maxRetries must all be present. Returns an
// error message, or "" when valid.
func validateUpgradeDetails(raw json.RawMessage) string {
	var details map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &details) != nil {
		return "upgrade details must be an object with url, timeoutInMinutes, maxRetries"
	}
	for _, field := range []string{"url", "timeoutInMinutes", "maxRetries"} {
		if _, ok := details[field]; !ok {
			return "upgrade details missing required field: " + field
		}
	}
	return ""
}

// handleCommandsPending implements the sidecar pending-poll: it
// atomically claims every PENDING command (identical Store semantics to
// the in-process Pump) and returns the claimed set. The
// status transition happens on the Store side before the response is
// written, so the claim is never split across the network.
func (s *Server) handleCommandsPending(w http.ResponseWriter, r *http.Request) {
	claimed, err := s.store.ClaimPending(0)
	if err != nil {
		s.logger.Error("claim pending commands failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "claim pending commands failed")
		return
	}

	out := make([]commandJSON, len(claimed))
	for i, c := range claimed {
		out[i] = toCommandJSON(c)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"commands": out, "count": len(out)}, s.logger)
}

func (s *Server) handleCommandGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("command_id")
	cmd, err := s.store.GetCommand(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "command not found")
			return
		}
		s.logger.Error("command lookup failed", "command_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "command lookup failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, toCommandJSON(cmd), s.logger)
}

type commandStatusRequest struct {
	Status   string `json:"status"`
	Response string `json:"response"`
}

// handleCommandStatus lets sidecar workers record a terminal status for
// a command. Only COMPLETED and FAILED are accepted — the
// PENDING→PROCESSING transition belongs exclusively to the claim path,
// and terminal states are absorbing, so a late update against an
// already-resolved command returns 409 rather than overwriting it.
func (s *Server) handleCommandStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("command_id")

	var req commandStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status := store.CommandStatus(req.Status)
	if !status.Terminal() {
		s.errorResponse(w, http.StatusBadRequest, "status must be COMPLETED or FAILED")
		return
	}

	if _, err := s.store.GetCommand(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "command not found")
			return
		}
		s.logger.Error("command lookup failed", "command_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "command lookup failed")
		return
	}

	if err := s.store.CompleteCommand(id, status, req.Response); err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			s.errorResponse(w, http.StatusConflict, "command already resolved")
			return
		}
		s.logger.Error("update command status failed", "command_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "update command status failed")
		return
	}
	metrics.CommandsResolvedTotal.WithLabelValues(string(status)).Inc()

	cmd, err := s.store.GetCommand(id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "command lookup failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, toCommandJSON(cmd), s.logger)
}

type mqttProcessRequest struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// handleMQTTProcess enters the Inbound Router with (topic, data).
// The router applies its own log-and-drop rules; the endpoint
// always acknowledges acceptance so sidecar forwarders never retry a
// message the router has deliberately discarded.
func (s *Server) handleMQTTProcess(w http.ResponseWriter, r *http.Request) {
	var req mqttProcessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Topic == "" {
		s.errorResponse(w, http.StatusBadRequest, "topic is required")
		return
	}

	s.router.Handle(req.Topic, req.Data)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "accepted"}, s.logger)
}

func (s *Server) handleMQTTDiagnostics(w http.ResponseWriter, r *http.Request) {
	if s.session == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "broker session not configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.session.Diagnostics(), s.logger)
}

type readerJSON struct {
	SerialNumber      string     `json:"serial_number"`
	IPAddress         string     `json:"ip_address,omitempty"`
	Location          string     `json:"location,omitempty"`
	Enabled           bool       `json:"enabled"`
	IsConnected       bool       `json:"is_connected"`
	LastCommunication *time.Time `json:"last_communication,omitempty"`
}

func toReaderJSON(r *store.Reader) readerJSON {
	return readerJSON{
		SerialNumber:      r.SerialNumber,
		IPAddress:         r.IPAddress,
		Location:          r.Location,
		Enabled:           r.Enabled,
		IsConnected:       r.IsConnected,
		LastCommunication: r.LastCommunication,
	}
}

func (s *Server) handleReaderCreate(w http.ResponseWriter, r *http.Request) {
	var req readerJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SerialNumber == "" {
		s.errorResponse(w, http.StatusBadRequest, "serial_number is required")
		return
	}

	reader := &store.Reader{
		SerialNumber: req.SerialNumber,
		IPAddress:    req.IPAddress,
		Location:     req.Location,
		Enabled:      true,
	}
	if err := s.store.CreateReader(reader); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "create reader: "+err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, toReaderJSON(reader), s.logger)
}

func (s *Server) handleReaderList(w http.ResponseWriter, r *http.Request) {
	readers, err := s.store.ListReaders()
	if err != nil {
		s.logger.Error("list readers failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list readers failed")
		return
	}

	out := make([]readerJSON, len(readers))
	for i, rd := range readers {
		out[i] = toReaderJSON(rd)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"readers": out, "count": len(out)}, s.logger)
}

func (s *Server) handleReaderCommands(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	if _, err := s.store.GetReader(serial); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "unknown reader: "+serial)
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, "reader lookup failed")
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	cmds, err := s.store.ListCommandsForReader(serial, limit)
	if err != nil {
		s.logger.Error("list reader commands failed", "serial", serial, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list commands failed")
		return
	}

	out := make([]commandJSON, len(cmds))
	for i, c := range cmds {
		out[i] = toCommandJSON(c)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"commands": out, "count": len(out)}, s.logger)
}

type scheduleJSON struct {
	ID            int64      `json:"id,omitempty"`
	ReaderSerial  string     `json:"reader_serial_number"`
	CommandType   string     `json:"command_type"`
	ScheduledTime time.Time  `json:"scheduled_time"`
	Recurrence    string     `json:"recurrence"`
	IsActive      bool       `json:"is_active"`
	LastRun       *time.Time `json:"last_run,omitempty"`
}

var validRecurrences = map[store.Recurrence]bool{
	store.RecurrenceOnce:    true,
	store.RecurrenceDaily:   true,
	store.RecurrenceWeekly:  true,
	store.RecurrenceMonthly: true,
}

func (s *Server) handleScheduleCreate(w http.ResponseWriter, r *http.Request) {
	var req scheduleJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !validCommandTypes[store.CommandType(req.CommandType)] {
		s.errorResponse(w, http.StatusBadRequest, "unknown command_type: "+req.CommandType)
		return
	}
	if !validRecurrences[store.Recurrence(req.Recurrence)] {
		s.errorResponse(w, http.StatusBadRequest, "unknown recurrence: "+req.Recurrence)
		return
	}
	if req.ScheduledTime.IsZero() {
		s.errorResponse(w, http.StatusBadRequest, "scheduled_time is required")
		return
	}
	if _, err := s.store.GetReader(req.ReaderSerial); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "unknown reader: "+req.ReaderSerial)
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, "reader lookup failed")
		return
	}

	sc := &store.ScheduledCommand{
		ReaderSerial:  req.ReaderSerial,
		CommandType:   store.CommandType(req.CommandType),
		ScheduledTime: req.ScheduledTime,
		Recurrence:    store.Recurrence(req.Recurrence),
		IsActive:      true,
	}
	if err := s.store.CreateScheduledCommand(sc); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "create schedule: "+err.Error())
		return
	}

	req.ID = sc.ID
	req.IsActive = true
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, req, s.logger)
}

func (s *Server) handleScheduleList(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListScheduledCommands()
	if err != nil {
		s.logger.Error("list schedules failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list schedules failed")
		return
	}

	out := make([]scheduleJSON, len(schedules))
	for i, sc := range schedules {
		out[i] = scheduleJSON{
			ID:            sc.ID,
			ReaderSerial:  sc.ReaderSerial,
			CommandType:   string(sc.CommandType),
			ScheduledTime: sc.ScheduledTime,
			Recurrence:    string(sc.Recurrence),
			IsActive:      sc.IsActive,
			LastRun:       sc.LastRun,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"schedules": out, "count": len(out)}, s.logger)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status": "healthy",
		"build":  buildinfo.RuntimeInfo(),
	}, s.logger)
}
