package lease

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hochfrequenz/device-test-orchestrator/internal/logging"
)

// ErrNoDevicesAvailable is returned when the service answers 409 Conflict
var ErrNoDevicesAvailable = errors.New("no devices available")

// TransportError wraps a failure to reach the service at all
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError is an unexpected non-2xx answer
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: service returned %d: %s", e.Op, e.StatusCode, e.Body)
}

// ClientConfig configures the reservation service client
type ClientConfig struct {
	BaseURI    string
	Hostname   string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is a thin HTTP+JSON client for the reservation service
type Client struct {
	baseURI  string
	hostname string
	http     *http.Client
	log      *slog.Logger
}

// NewClient creates a new reservation service client
func NewClient(config ClientConfig) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURI:  strings.TrimRight(config.BaseURI, "/"),
		hostname: config.Hostname,
		http:     httpClient,
		log:      logging.Ensure(config.Logger),
	}
}

// Create requests a reservation for one device per entry of deviceTypes
func (c *Client) Create(ctx context.Context, deviceTypes []string, duration time.Duration, details string) (*Reservation, error) {
	body := createRequest{
		DeviceTypes:        deviceTypes,
		Hostname:           c.hostname,
		Duration:           TimeSpan(duration),
		ReservationDetails: details,
	}
	var r Reservation
	if err := c.do(ctx, "create reservation", http.MethodPost, "/api/v1/reservations", body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Renew extends the reservation by duration. The returned reservation may
// name a different set of devices.
func (c *Client) Renew(ctx context.Context, guid string, duration time.Duration) (*Reservation, error) {
	var r Reservation
	path := "/api/v1/reservations/" + url.PathEscape(guid)
	if err := c.do(ctx, "renew reservation", http.MethodPut, path, TimeSpan(duration), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Delete ends the reservation
func (c *Client) Delete(ctx context.Context, guid string) error {
	path := "/api/v1/reservations/" + url.PathEscape(guid)
	return c.do(ctx, "delete reservation", http.MethodDelete, path, nil, nil)
}

// GetDevice resolves a device name to its descriptor
func (c *Client) GetDevice(ctx context.Context, name string) (*DeviceDescriptor, error) {
	var d DeviceDescriptor
	path := "/api/v1/devices/" + url.PathEscape(name)
	if err := c.do(ctx, "get device", http.MethodGet, path, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURI+path, reader)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	c.log.Debug("reservation service request", "method", method, "path", path)
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("%s: %w", op, ErrNoDevicesAvailable)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}
