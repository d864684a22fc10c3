package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/device-test-orchestrator/internal/devicepool"
	"github.com/hochfrequenz/device-test-orchestrator/internal/domain"
	"github.com/hochfrequenz/device-test-orchestrator/internal/events"
	"github.com/hochfrequenz/device-test-orchestrator/internal/logging"
	"github.com/hochfrequenz/device-test-orchestrator/internal/observer"
	"github.com/hochfrequenz/device-test-orchestrator/internal/resultstore"
	"github.com/hochfrequenz/device-test-orchestrator/internal/scheduler"
)

var t0 = time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)

func seededStore(t *testing.T) *resultstore.Store {
	t.Helper()
	store, err := resultstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.CreateRun("run-1", "nightly", t0); err != nil {
		t.Fatal(err)
	}
	info := scheduler.ExecutionInfo{
		Name: "smoke", Pass: 1, Result: domain.ResultFailed, Detail: "exceeded max duration",
		FirstReadyCheckTime: t0, PreStartTime: t0.Add(10 * time.Second),
		PostStartTime: t0.Add(10 * time.Second), EndTime: t0.Add(2 * time.Minute),
	}
	if err := store.RecordExecution("run-1", info); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordProblemDevice("run-1", "smoke", domain.ProblemDevice{Name: "ps4-b", Platform: domain.PlatformPS4}); err != nil {
		t.Fatal(err)
	}
	if err := store.FinishRun(&scheduler.Summary{
		RunID: "run-1", EndedAt: t0.Add(5 * time.Minute),
		Passes: []scheduler.PassSummary{{Pass: 1, Failed: 1}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateRun("run-2", "nightly", t0.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	return store
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestListRunsHandler(t *testing.T) {
	server := NewServer(seededStore(t), nil, ":0", logging.Discard())

	w := get(t, server, "/api/runs")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var runs []RunResponse
	if err := json.NewDecoder(w.Body).Decode(&runs); err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "run-2" {
		t.Fatalf("runs = %+v, want run-2 first", runs)
	}
	if runs[1].Status != "failed" || runs[1].Duration != "5m0s" {
		t.Errorf("run-1 = %+v", runs[1])
	}

	if w := get(t, server, "/api/runs?limit=1"); !strings.Contains(w.Body.String(), "run-2") || strings.Contains(w.Body.String(), "run-1") {
		t.Errorf("limit=1 body = %s", w.Body.String())
	}
	if w := get(t, server, "/api/runs?limit=x"); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", w.Code)
	}
}

func TestGetRunHandler(t *testing.T) {
	server := NewServer(seededStore(t), nil, ":0", logging.Discard())

	w := get(t, server, "/api/runs/run-1")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var detail RunDetailResponse
	if err := json.NewDecoder(w.Body).Decode(&detail); err != nil {
		t.Fatal(err)
	}
	if len(detail.Executions) != 1 {
		t.Fatalf("executions = %d, want 1", len(detail.Executions))
	}
	e := detail.Executions[0]
	if e.Job != "smoke" || e.Result != "failed" || e.Wait != "10s" || e.Duration != "1m50s" {
		t.Errorf("execution = %+v", e)
	}
	if len(detail.ProblemDevices) != 1 || detail.ProblemDevices[0].Device != "ps4-b" {
		t.Errorf("problem devices = %+v", detail.ProblemDevices)
	}

	if w := get(t, server, "/api/runs/missing"); w.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", w.Code)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/runs/run-1", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rec.Code)
	}
}

func TestStatusHandler(t *testing.T) {
	obs := observer.New(time.Hour, nil)
	obs.RecordExecution(scheduler.ExecutionInfo{
		Name: "smoke", Result: domain.ResultPassed,
		PostStartTime: t0, EndTime: t0.Add(time.Minute),
	})

	server := NewServer(seededStore(t), events.NewBus(10), ":0", logging.Discard())
	server.SetObserver(obs)

	var status StatusResponse
	if err := json.NewDecoder(get(t, server, "/api/status").Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if !status.Running || status.LatestRun == nil || status.LatestRun.ID != "run-2" {
		t.Errorf("status = %+v, want run-2 running", status)
	}
	if status.Metrics == nil || status.Metrics.Passed != 1 || status.Metrics.AvgDuration != "1m0s" {
		t.Errorf("metrics = %+v", status.Metrics)
	}
}

func TestStatusHandler_LiveRun(t *testing.T) {
	fc := fakeclock.NewFakeClock(t0)
	obs := observer.New(10*time.Minute, fc)
	obs.Observe(events.Event{Type: events.TypeJobState, Job: "soak", Pass: 1, State: "running", Time: t0})
	fc.Increment(15 * time.Minute)
	obs.Observe(events.Event{Type: events.TypeJobState, Job: "smoke", Pass: 1, State: "running", Time: fc.Now()})
	obs.RecordExecution(scheduler.ExecutionInfo{Name: "quick", Result: domain.ResultPassed})

	server := NewServer(seededStore(t), nil, ":0", logging.Discard())
	server.SetObserver(obs)
	server.SetDevices(func() []devicepool.DeviceStatus {
		return []devicepool.DeviceStatus{
			{Name: "ps4-a", Platform: domain.PlatformPS4, Reserved: true, ReservedAt: t0},
			{Name: "ps4-b", Platform: domain.PlatformPS4, Constraint: domain.DeviceConstraint{Platform: domain.PlatformPS4, Pool: "perf"}},
		}
	})

	var status StatusResponse
	if err := json.NewDecoder(get(t, server, "/api/status").Body).Decode(&status); err != nil {
		t.Fatal(err)
	}

	wantJobs := []RunningJobResponse{
		{Job: "soak", Pass: 1, Since: t0.Format(time.RFC3339), Slow: true},
		{Job: "smoke", Pass: 1, Since: t0.Add(15 * time.Minute).Format(time.RFC3339)},
	}
	if diff := cmp.Diff(wantJobs, status.RunningJobs); diff != "" {
		t.Errorf("running jobs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"quick"}, status.RecentCompletions); diff != "" {
		t.Errorf("recent completions mismatch (-want +got):\n%s", diff)
	}

	reservedAt := t0.Format(time.RFC3339)
	wantDevices := []DeviceResponse{
		{Name: "ps4-a", Platform: "PS4", Reserved: true, ReservedAt: &reservedAt},
		{Name: "ps4-b", Platform: "PS4", Pool: "perf"},
	}
	if diff := cmp.Diff(wantDevices, status.Devices); diff != "" {
		t.Errorf("devices mismatch (-want +got):\n%s", diff)
	}
}

func TestSSEHandler(t *testing.T) {
	bus := events.NewBus(10)
	bus.Publish(events.Event{Type: events.TypeRunStarted, RunID: "run-2"})

	ts := httptest.NewServer(NewServer(seededStore(t), bus, ":0", logging.Discard()).Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() events.Envelope {
		t.Helper()
		var env events.Envelope
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("reading stream: %v", err)
			}
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				if err := json.Unmarshal([]byte(data), &env); err != nil {
					t.Fatal(err)
				}
				return env
			}
		}
	}

	if env := readEvent(); env.Type != events.TypeRunStarted || env.Payload.RunID != "run-2" {
		t.Errorf("replayed event = %+v", env)
	}
	bus.Publish(events.Event{Type: events.TypeJobState, Job: "smoke", State: "running"})
	if env := readEvent(); env.Type != events.TypeJobState || env.Payload.Job != "smoke" {
		t.Errorf("live event = %+v", env)
	}
}

func TestSSEHandler_NoBus(t *testing.T) {
	ts := httptest.NewServer(NewServer(seededStore(t), nil, ":0", logging.Discard()).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/events")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want 503", resp.StatusCode)
	}
}

func TestWebSocketHandler(t *testing.T) {
	bus := events.NewBus(10)
	bus.Publish(events.Event{Type: events.TypePassStarted, Pass: 1})

	ts := httptest.NewServer(NewServer(seededStore(t), bus, ":0", logging.Discard()).Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func() events.Envelope {
		t.Helper()
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v", err)
		}
		var env events.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatal(err)
		}
		return env
	}

	if env := read(); env.Type != events.TypePassStarted || env.Payload.Pass != 1 {
		t.Errorf("replayed event = %+v", env)
	}
	bus.Publish(events.Event{Type: events.TypeProblemDevice, Detail: "ps4-b"})
	if env := read(); env.Type != events.TypeProblemDevice || env.Payload.Detail != "ps4-b" {
		t.Errorf("live event = %+v", env)
	}
}
