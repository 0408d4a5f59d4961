// Package report serves the daemon's HTTP status API and streams
// status updates to WebSocket subscribers.
//
// Copyright (C) 2026  Thermd Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package report

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"thermd/pkg/heater"
	"thermd/pkg/log"
	"thermd/pkg/safety"
)

// Controller is the control surface the server exposes.
type Controller interface {
	// GetStatus returns status snapshots for all heaters.
	GetStatus() []heater.Status

	// SetTarget sets a heater's target temperature.
	SetTarget(id string, target float64) error

	// ResetFault clears a heater's fault latch. The heater stays off.
	ResetFault(id string) error

	// EmergencyStop faults the whole system and disables every heater.
	EmergencyStop(reason string)

	// FirstFault returns the latched system fault, if any.
	FirstFault() (safety.Event, bool)
}

// Config holds server configuration.
type Config struct {
	// Addr is the HTTP listen address, e.g. ":7125".
	Addr string

	// BroadcastPeriod is the WebSocket status push period.
	// Defaults to 250ms.
	BroadcastPeriod time.Duration
}

// Server is the HTTP and WebSocket status server.
type Server struct {
	ctrl   Controller
	addr   string
	period time.Duration
	logger *log.Logger

	httpServer *http.Server

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*wsClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	running   atomic.Bool
	startTime time.Time
}

// New creates a status server.
func New(cfg Config, ctrl Controller, logger *log.Logger) *Server {
	if cfg.BroadcastPeriod <= 0 {
		cfg.BroadcastPeriod = 250 * time.Millisecond
	}
	if logger == nil {
		logger = log.New("report")
	}
	s := &Server{
		ctrl:      ctrl,
		addr:      cfg.Addr,
		period:    cfg.BroadcastPeriod,
		logger:    logger,
		wsClients: make(map[int64]*wsClient),
		startTime: time.Now(),
	}
	s.wsUpgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

// Start runs the server. Blocks until Stop or a listen error.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/heater/target", s.handleSetTarget)
	mux.HandleFunc("/heater/reset_fault", s.handleResetFault)
	mux.HandleFunc("/emergency_stop", s.handleEmergencyStop)
	mux.HandleFunc("/websocket", s.handleWebSocket)

	s.httpServer = &http.Server{Addr: s.addr, Handler: mux}
	s.running.Store(true)
	s.logger.Info("status server starting on %s", s.addr)

	go s.broadcastLoop()

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down and drops all WebSocket clients.
func (s *Server) Stop() error {
	s.running.Store(false)

	s.wsClientMu.Lock()
	for _, c := range s.wsClients {
		c.close()
	}
	s.wsClients = make(map[int64]*wsClient)
	s.wsClientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// statusReply is the /status response body.
type statusReply struct {
	Heaters []heater.Status `json:"heaters"`
	Fault   *faultReply     `json:"fault,omitempty"`
}

type faultReply struct {
	Reason  string `json:"reason"`
	Heater  string `json:"heater,omitempty"`
	Message string `json:"message"`
	Time    string `json:"time"`
}

func (s *Server) statusNow() statusReply {
	reply := statusReply{Heaters: s.ctrl.GetStatus()}
	if ev, ok := s.ctrl.FirstFault(); ok {
		reply.Fault = &faultReply{
			Reason:  string(ev.Reason),
			Heater:  ev.HeaterID,
			Message: ev.Message,
			Time:    ev.Time.UTC().Format(time.RFC3339),
		}
	}
	return reply
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.statusNow())
}

type targetRequest struct {
	ID     string  `json:"id"`
	Target float64 `json:"target"`
}

func (s *Server) handleSetTarget(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req targetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, err)
		return
	}
	if err := s.ctrl.SetTarget(req.ID, req.Target); err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"result": "ok"})
}

type resetRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleResetFault(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, err)
		return
	}
	if err := s.ctrl.ResetFault(req.ID); err != nil {
		s.writeJSONError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"result": "ok"})
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.ctrl.EmergencyStop("api_request")
	s.writeJSON(w, map[string]string{"result": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeJSONError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": err.Error()},
	})
}
