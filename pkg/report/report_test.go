package report

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"thermd/pkg/heater"
	"thermd/pkg/safety"
)

type fakeController struct {
	mu       sync.Mutex
	statuses []heater.Status
	fault    *safety.Event

	targets map[string]float64
	resets  []string
	stops   []string
}

func newFakeController() *fakeController {
	return &fakeController{
		statuses: []heater.Status{
			{ID: "hotend", Kind: "hotend", Temperature: 199.4, Target: 200, PWM: 48, Active: true},
			{ID: "bed", Kind: "bed", Temperature: 60.1, Target: 60, Active: true},
		},
		targets: make(map[string]float64),
	}
}

func (f *fakeController) GetStatus() []heater.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]heater.Status(nil), f.statuses...)
}

func (f *fakeController) SetTarget(id string, target float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != "hotend" && id != "bed" {
		return fmt.Errorf("unknown heater %q", id)
	}
	f.targets[id] = target
	return nil
}

func (f *fakeController) ResetFault(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, id)
	return nil
}

func (f *fakeController) EmergencyStop(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, reason)
}

func (f *fakeController) FirstFault() (safety.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fault == nil {
		return safety.Event{}, false
	}
	return *f.fault, true
}

func newTestServer(ctrl Controller) *Server {
	return New(Config{Addr: ":0"}, ctrl, nil)
}

func TestStatusEndpoint(t *testing.T) {
	ctrl := newFakeController()
	s := newTestServer(ctrl)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	s.handleStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var reply statusReply
	if err := json.NewDecoder(w.Body).Decode(&reply); err != nil {
		t.Fatal(err)
	}
	if len(reply.Heaters) != 2 || reply.Heaters[0].ID != "hotend" {
		t.Errorf("heaters %+v", reply.Heaters)
	}
	if reply.Fault != nil {
		t.Error("no fault expected")
	}
}

func TestStatusIncludesFault(t *testing.T) {
	ctrl := newFakeController()
	ctrl.fault = &safety.Event{
		Reason:   safety.ReasonThermalRunaway,
		HeaterID: "hotend",
		Message:  "out of band",
		Time:     time.Now(),
	}
	s := newTestServer(ctrl)

	w := httptest.NewRecorder()
	s.handleStatus(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	var reply statusReply
	json.NewDecoder(w.Body).Decode(&reply)
	if reply.Fault == nil || reply.Fault.Reason != "thermal_runaway" {
		t.Errorf("fault %+v", reply.Fault)
	}
}

func TestSetTargetEndpoint(t *testing.T) {
	ctrl := newFakeController()
	s := newTestServer(ctrl)

	body := strings.NewReader(`{"id":"hotend","target":210}`)
	w := httptest.NewRecorder()
	s.handleSetTarget(w, httptest.NewRequest(http.MethodPost, "/heater/target", body))

	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	if ctrl.targets["hotend"] != 210 {
		t.Errorf("target not applied: %v", ctrl.targets)
	}
}

func TestSetTargetUnknownHeater(t *testing.T) {
	ctrl := newFakeController()
	s := newTestServer(ctrl)

	body := strings.NewReader(`{"id":"toaster","target":500}`)
	w := httptest.NewRecorder()
	s.handleSetTarget(w, httptest.NewRequest(http.MethodPost, "/heater/target", body))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", w.Code)
	}
}

func TestSetTargetRejectsGet(t *testing.T) {
	s := newTestServer(newFakeController())

	w := httptest.NewRecorder()
	s.handleSetTarget(w, httptest.NewRequest(http.MethodGet, "/heater/target", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status %d, want 405", w.Code)
	}
}

func TestResetFaultEndpoint(t *testing.T) {
	ctrl := newFakeController()
	s := newTestServer(ctrl)

	body := strings.NewReader(`{"id":"hotend"}`)
	w := httptest.NewRecorder()
	s.handleResetFault(w, httptest.NewRequest(http.MethodPost, "/heater/reset_fault", body))

	if w.Code != http.StatusOK {
		t.Fatal(w.Body.String())
	}
	if len(ctrl.resets) != 1 || ctrl.resets[0] != "hotend" {
		t.Errorf("resets %v", ctrl.resets)
	}
}

func TestEmergencyStopEndpoint(t *testing.T) {
	ctrl := newFakeController()
	s := newTestServer(ctrl)

	w := httptest.NewRecorder()
	s.handleEmergencyStop(w, httptest.NewRequest(http.MethodPost, "/emergency_stop", nil))

	if w.Code != http.StatusOK {
		t.Fatal(w.Body.String())
	}
	if len(ctrl.stops) != 1 || ctrl.stops[0] != "api_request" {
		t.Errorf("stops %v", ctrl.stops)
	}
}

func TestWebSocketInitialNotification(t *testing.T) {
	ctrl := newFakeController()
	s := newTestServer(ctrl)

	ts := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/websocket"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var note statusNotification
	if err := conn.ReadJSON(&note); err != nil {
		t.Fatal(err)
	}
	if note.Method != "notify_status" {
		t.Errorf("method %q", note.Method)
	}
	if len(note.Params.Heaters) != 2 {
		t.Errorf("heaters %+v", note.Params.Heaters)
	}
}

func TestMalformedBody(t *testing.T) {
	s := newTestServer(newFakeController())

	w := httptest.NewRecorder()
	s.handleSetTarget(w, httptest.NewRequest(http.MethodPost, "/heater/target", strings.NewReader("{")))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", w.Code)
	}
}
