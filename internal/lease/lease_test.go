package lease

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hochfrequenz/device-test-orchestrator/internal/logging"
)

func TestTimeSpan(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{10 * time.Minute, "00:10:00"},
		{90*time.Minute + 5*time.Second, "01:30:05"},
		{26 * time.Hour, "1.02:00:00"},
		{1500 * time.Millisecond, "00:00:01.5000000"},
	}
	for _, tt := range tests {
		got := TimeSpan(tt.in).String()
		if got != tt.want {
			t.Errorf("TimeSpan(%v).String() = %q, want %q", tt.in, got, tt.want)
		}
		back, err := ParseTimeSpan(got)
		if err != nil {
			t.Errorf("ParseTimeSpan(%q) error = %v", got, err)
			continue
		}
		if back.Std() != tt.in {
			t.Errorf("ParseTimeSpan(%q) = %v, want %v", got, back.Std(), tt.in)
		}
	}

	for _, bad := range []string{"", "10", "00:61:00", "aa:00:00", "00:00:75"} {
		if _, err := ParseTimeSpan(bad); err == nil {
			t.Errorf("ParseTimeSpan(%q) should fail", bad)
		}
	}
}

func TestTimeSpan_JSON(t *testing.T) {
	r := Reservation{Guid: "g1", Duration: TimeSpan(10 * time.Minute), DeviceNames: []string{"ps4-1"}}
	data, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"Duration":"00:10:00"`) {
		t.Errorf("Marshal() = %s, want Duration as string", data)
	}
	var back Reservation
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(r, back); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

// fakeService is an in-memory reservation service
type fakeService struct {
	mu            sync.Mutex
	conflicts     int // 409s to answer before a create succeeds
	renewFailures int // 500s to answer before renewals succeed
	renewNames    []string
	creates       int
	renews        int
	deletes       int
	lastCreate    createRequest
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/reservations", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.creates++
		json.NewDecoder(r.Body).Decode(&f.lastCreate)
		if f.conflicts > 0 {
			f.conflicts--
			w.WriteHeader(http.StatusConflict)
			return
		}
		names := make([]string, len(f.lastCreate.DeviceTypes))
		for i, typ := range f.lastCreate.DeviceTypes {
			names[i] = strings.ToLower(typ) + "-" + string(rune('a'+i))
		}
		json.NewEncoder(w).Encode(Reservation{
			DeviceNames:   names,
			HostName:      f.lastCreate.Hostname,
			StartDateTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			Duration:      f.lastCreate.Duration,
			Guid:          "res-1",
		})
	})
	mux.HandleFunc("PUT /api/v1/reservations/{guid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.renews++
		if f.renewFailures > 0 {
			f.renewFailures--
			http.Error(w, "renewal store unavailable", http.StatusInternalServerError)
			return
		}
		var d TimeSpan
		json.NewDecoder(r.Body).Decode(&d)
		names := f.renewNames
		if names == nil {
			names = []string{"ps4-a"}
		}
		json.NewEncoder(w).Encode(Reservation{DeviceNames: names, Duration: d, Guid: r.PathValue("guid")})
	})
	mux.HandleFunc("DELETE /api/v1/reservations/{guid}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.deletes++
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/v1/devices/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		typ, _, _ := strings.Cut(name, "-")
		json.NewEncoder(w).Encode(DeviceDescriptor{
			Name:         name,
			Type:         strings.ToUpper(typ),
			IPOrHostName: name + ".lab",
			Available:    true,
			Enabled:      true,
			DeviceData:   map[string]string{"rack": "r1"},
		})
	})
	return mux
}

func (f *fakeService) counts() (creates, renews, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.renews, f.deletes
}

func newTestClient(t *testing.T, svc *fakeService) *Client {
	t.Helper()
	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{BaseURI: srv.URL + "/", Hostname: "test-host", Logger: logging.Discard()})
}

func fastOptions() Options {
	return Options{
		DeviceTypes:    []string{"PS4"},
		Duration:       time.Minute,
		RenewInterval:  10 * time.Millisecond,
		MaxRetries:     3,
		RetryWait:      time.Millisecond,
		RenewRetries:   2,
		RenewRetryWait: time.Millisecond,
		Logger:         logging.Discard(),
	}
}

func TestClient_CreateConflict(t *testing.T) {
	svc := &fakeService{conflicts: 1}
	c := newTestClient(t, svc)

	_, err := c.Create(context.Background(), []string{"PS4"}, time.Minute, "")
	if !errors.Is(err, ErrNoDevicesAvailable) {
		t.Fatalf("Create() error = %v, want ErrNoDevicesAvailable", err)
	}

	res, err := c.Create(context.Background(), []string{"PS4", "Win64"}, 10*time.Minute, "details")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if diff := cmp.Diff([]string{"ps4-a", "win64-b"}, res.DeviceNames); diff != "" {
		t.Errorf("DeviceNames mismatch (-want +got):\n%s", diff)
	}
	svc.mu.Lock()
	req := svc.lastCreate
	svc.mu.Unlock()
	if req.Hostname != "test-host" || req.Duration.String() != "00:10:00" || req.ReservationDetails != "details" {
		t.Errorf("request = %+v", req)
	}
}

func TestClient_StatusAndTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	c := NewClient(ClientConfig{BaseURI: srv.URL, Logger: logging.Discard()})

	_, err := c.GetDevice(context.Background(), "ps4-a")
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadRequest {
		t.Errorf("GetDevice() error = %v, want StatusError 400", err)
	}

	srv.Close()
	_, err = c.GetDevice(context.Background(), "ps4-a")
	var te *TransportError
	if !errors.As(err, &te) {
		t.Errorf("GetDevice() on closed server error = %v, want TransportError", err)
	}
}

func TestReserve_RetriesConflicts(t *testing.T) {
	svc := &fakeService{conflicts: 2}
	c := newTestClient(t, svc)

	a, err := Reserve(context.Background(), c, fastOptions())
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	defer a.Close(context.Background())

	if creates, _, _ := svc.counts(); creates != 3 {
		t.Errorf("creates = %d, want 3", creates)
	}
	devices := a.Devices()
	if len(devices) != 1 || devices[0].Name != "ps4-a" || devices[0].Type != "PS4" {
		t.Errorf("Devices() = %+v", devices)
	}
}

func TestReserve_Exhausted(t *testing.T) {
	svc := &fakeService{conflicts: 100}
	c := newTestClient(t, svc)

	_, err := Reserve(context.Background(), c, fastOptions())
	if !errors.Is(err, ErrReservationFailed) {
		t.Fatalf("Reserve() error = %v, want ErrReservationFailed", err)
	}
	if !errors.Is(err, ErrNoDevicesAvailable) {
		t.Errorf("Reserve() error = %v, want it to wrap ErrNoDevicesAvailable", err)
	}
	// One attempt plus MaxRetries
	if creates, _, _ := svc.counts(); creates != 4 {
		t.Errorf("creates = %d, want 4", creates)
	}
}

func TestAutoRenew_DevicesAreCopies(t *testing.T) {
	svc := &fakeService{}
	a, err := Reserve(context.Background(), newTestClient(t, svc), fastOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close(context.Background())

	devices := a.Devices()
	devices[0].Name = "mutated"
	devices[0].DeviceData["rack"] = "mutated"

	again := a.Devices()
	if again[0].Name != "ps4-a" || again[0].DeviceData["rack"] != "r1" {
		t.Errorf("internal snapshot was mutated: %+v", again[0])
	}
}

func TestAutoRenew_SurvivesRetryableRenewalFailures(t *testing.T) {
	opts := fastOptions()
	svc := &fakeService{renewFailures: opts.RenewRetries}

	fatal := make(chan error, 1)
	opts.OnFatal = func(err error) { fatal <- err }

	a, err := Reserve(context.Background(), newTestClient(t, svc), opts)
	if err != nil {
		t.Fatal(err)
	}

	// Wait for the failing attempts plus at least one successful renewal
	deadline := time.After(5 * time.Second)
	for {
		_, renews, _ := svc.counts()
		if renews >= opts.RenewRetries+2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("renews = %d, want at least %d", renews, opts.RenewRetries+2)
		case <-time.After(5 * time.Millisecond):
		}
	}

	select {
	case err := <-fatal:
		t.Fatalf("lease dropped after %d failures: %v", opts.RenewRetries, err)
	default:
	}
	if a.Err() != nil {
		t.Errorf("Err() = %v, want nil", a.Err())
	}

	a.Close(context.Background())
	if _, _, deletes := svc.counts(); deletes != 1 {
		t.Errorf("deletes = %d, want 1", deletes)
	}
}

func TestAutoRenew_FatalAfterExhaustedRetries(t *testing.T) {
	opts := fastOptions()
	svc := &fakeService{renewFailures: opts.RenewRetries + 1}

	fatal := make(chan error, 1)
	opts.OnFatal = func(err error) { fatal <- err }

	a, err := Reserve(context.Background(), newTestClient(t, svc), opts)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close(context.Background())

	select {
	case err := <-fatal:
		if !errors.Is(err, ErrRenewalFatal) {
			t.Errorf("OnFatal error = %v, want ErrRenewalFatal", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnFatal not called")
	}

	select {
	case <-a.Done():
	default:
		t.Error("Done() should be closed after a fatal renewal")
	}
	if !errors.Is(a.Err(), ErrRenewalFatal) {
		t.Errorf("Err() = %v, want ErrRenewalFatal", a.Err())
	}
	if _, renews, _ := svc.counts(); renews != opts.RenewRetries+1 {
		t.Errorf("renews = %d, want %d", renews, opts.RenewRetries+1)
	}
}

func TestAutoRenew_DeviceSetChange(t *testing.T) {
	svc := &fakeService{renewNames: []string{"ps4-z"}}
	a, err := Reserve(context.Background(), newTestClient(t, svc), fastOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close(context.Background())

	deadline := time.After(5 * time.Second)
	for {
		if d := a.Devices(); len(d) == 1 && d[0].Name == "ps4-z" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Devices() = %+v, want refreshed snapshot", a.Devices())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestAutoRenew_OnDevicesChanged(t *testing.T) {
	svc := &fakeService{renewNames: []string{"ps4-z"}}
	changed := make(chan []DeviceDescriptor, 1)
	opts := fastOptions()
	opts.OnDevicesChanged = func(devices []DeviceDescriptor) {
		select {
		case changed <- devices:
		default:
		}
	}
	a, err := Reserve(context.Background(), newTestClient(t, svc), opts)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close(context.Background())

	select {
	case got := <-changed:
		if len(got) != 1 || got[0].Name != "ps4-z" {
			t.Errorf("OnDevicesChanged(%+v), want only ps4-z", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnDevicesChanged was not called after the device set changed")
	}
}

func TestAutoRenew_CloseIdempotent(t *testing.T) {
	svc := &fakeService{}
	a, err := Reserve(context.Background(), newTestClient(t, svc), fastOptions())
	if err != nil {
		t.Fatal(err)
	}
	a.Close(context.Background())
	a.Close(context.Background())

	if _, _, deletes := svc.counts(); deletes != 1 {
		t.Errorf("deletes = %d, want 1", deletes)
	}
}
