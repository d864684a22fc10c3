package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/device-test-orchestrator/internal/devicepool"
	"github.com/hochfrequenz/device-test-orchestrator/internal/resultstore"
)

// RunResponse is the API response for a run
type RunResponse struct {
	ID           string  `json:"id"`
	Plan         string  `json:"plan"`
	Status       string  `json:"status"`
	Passes       int     `json:"passes"`
	FailedPasses int     `json:"failed_passes"`
	StartedAt    string  `json:"started_at"`
	FinishedAt   *string `json:"finished_at,omitempty"`
	Duration     string  `json:"duration,omitempty"`
}

// ExecutionResponse is the API response for one job execution
type ExecutionResponse struct {
	Job       string `json:"job"`
	Pass      int    `json:"pass"`
	Result    string `json:"result"`
	Restarts  int    `json:"restarts"`
	Cancelled bool   `json:"cancelled"`
	Detail    string `json:"detail,omitempty"`
	Wait      string `json:"wait"`
	Duration  string `json:"duration"`
}

// ProblemDeviceResponse is the API response for a quarantined device
type ProblemDeviceResponse struct {
	Job      string `json:"job"`
	Device   string `json:"device"`
	Platform string `json:"platform"`
}

// RunDetailResponse is a run with its executions and problem devices
type RunDetailResponse struct {
	RunResponse
	Executions     []ExecutionResponse     `json:"executions"`
	ProblemDevices []ProblemDeviceResponse `json:"problem_devices"`
}

// MetricsResponse mirrors observer metrics for the live run
type MetricsResponse struct {
	Completed   int    `json:"completed"`
	Passed      int    `json:"passed"`
	Failed      int    `json:"failed"`
	TimedOut    int    `json:"timed_out"`
	Restarts    int    `json:"restarts"`
	AvgDuration string `json:"avg_duration"`
	AvgWait     string `json:"avg_wait"`
}

// RunningJobResponse is a job of the live pass that has been launched
type RunningJobResponse struct {
	Job   string `json:"job"`
	Pass  int    `json:"pass"`
	Since string `json:"since"`
	Slow  bool   `json:"slow"`
}

// DeviceResponse is one pooled device of the live run
type DeviceResponse struct {
	Name       string  `json:"name"`
	Platform   string  `json:"platform"`
	Pool       string  `json:"pool,omitempty"`
	Reserved   bool    `json:"reserved"`
	ReservedAt *string `json:"reserved_at,omitempty"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Running           bool                 `json:"running"`
	LatestRun         *RunResponse         `json:"latest_run,omitempty"`
	Metrics           *MetricsResponse     `json:"metrics,omitempty"`
	RunningJobs       []RunningJobResponse `json:"running_jobs,omitempty"`
	RecentCompletions []string             `json:"recent_completions,omitempty"`
	Devices           []DeviceResponse     `json:"devices,omitempty"`
	DroppedEvents     int                  `json:"dropped_events"`
}

// recentWindow is how far back /api/status lists completed jobs
const recentWindow = 5 * time.Minute

func deviceToResponse(d devicepool.DeviceStatus) DeviceResponse {
	resp := DeviceResponse{
		Name:     d.Name,
		Platform: string(d.Platform),
		Pool:     d.Constraint.Pool,
		Reserved: d.Reserved,
	}
	if d.Reserved && !d.ReservedAt.IsZero() {
		t := d.ReservedAt.Format(time.RFC3339)
		resp.ReservedAt = &t
	}
	return resp
}

func runToResponse(r *resultstore.Run) RunResponse {
	resp := RunResponse{
		ID:           r.ID,
		Plan:         r.Plan,
		Status:       r.Status,
		Passes:       r.Passes,
		FailedPasses: r.FailedPasses,
		StartedAt:    r.StartedAt.Format(time.RFC3339),
	}
	if r.FinishedAt != nil {
		t := r.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &t
		resp.Duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
	}
	return resp
}

func executionToResponse(e resultstore.Execution) ExecutionResponse {
	return ExecutionResponse{
		Job:       e.Name,
		Pass:      e.Pass,
		Result:    string(e.Result),
		Restarts:  e.Restarts,
		Cancelled: e.Cancelled,
		Detail:    e.Detail,
		Wait:      e.WaitDuration().Round(time.Second).String(),
		Duration:  e.Duration().Round(time.Second).String(),
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		runs, err := s.store.ListRuns(1)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		var status StatusResponse
		if len(runs) > 0 {
			latest := runToResponse(runs[0])
			status.LatestRun = &latest
			status.Running = runs[0].Status == resultstore.StatusRunning
		}
		if s.observer != nil {
			m := s.observer.GetMetrics()
			status.Metrics = &MetricsResponse{
				Completed:   m.TotalCompleted,
				Passed:      m.TotalPassed,
				Failed:      m.TotalFailed,
				TimedOut:    m.TotalTimedOut,
				Restarts:    m.TotalRestarts,
				AvgDuration: m.AvgDuration.Round(time.Second).String(),
				AvgWait:     m.AvgWait.Round(time.Second).String(),
			}
			for _, rj := range s.observer.Running() {
				status.RunningJobs = append(status.RunningJobs, RunningJobResponse{
					Job:   rj.Job,
					Pass:  rj.Pass,
					Since: rj.Since.Format(time.RFC3339),
					Slow:  rj.Slow,
				})
			}
			status.RecentCompletions = s.observer.GetRecentCompletions(recentWindow)
		}
		if s.devices != nil {
			for _, d := range s.devices() {
				status.Devices = append(status.Devices, deviceToResponse(d))
			}
		}
		if s.bus != nil {
			status.DroppedEvents = s.bus.Dropped()
		}

		writeJSON(w, status)
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}

		runs, err := s.store.ListRuns(limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		responses := make([]RunResponse, len(runs))
		for i, run := range runs {
			responses[i] = runToResponse(run)
		}
		writeJSON(w, responses)
	}
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		// Extract run ID from path: /api/runs/{id}
		id := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, http.StatusBadRequest, "run ID required")
			return
		}

		run, err := s.store.GetRun(id)
		if errors.Is(err, resultstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		execs, err := s.store.ListExecutions(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		problems, err := s.store.ListProblemDevices(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := RunDetailResponse{
			RunResponse:    runToResponse(run),
			Executions:     make([]ExecutionResponse, 0, len(execs)),
			ProblemDevices: make([]ProblemDeviceResponse, 0, len(problems)),
		}
		for _, e := range execs {
			resp.Executions = append(resp.Executions, executionToResponse(e))
		}
		for _, p := range problems {
			resp.ProblemDevices = append(resp.ProblemDevices, ProblemDeviceResponse{
				Job:      p.Job,
				Device:   p.Name,
				Platform: string(p.Platform),
			})
		}
		writeJSON(w, resp)
	}
}
