// Package lease talks to the device reservation service and keeps a
// reservation alive with a background renewal loop.
package lease

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

// TimeSpan is a duration serialised as "hh:mm:ss", or "d.hh:mm:ss" when it
// spans more than a day. Fractional seconds are accepted on input.
type TimeSpan time.Duration

// Std returns the standard library duration
func (t TimeSpan) Std() time.Duration {
	return time.Duration(t)
}

func (t TimeSpan) String() string {
	d := time.Duration(t)
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	frac := d - s*time.Second

	out := fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	if days > 0 {
		out = fmt.Sprintf("%d.%s", days, out)
	}
	if frac > 0 {
		// 100ns ticks, seven digits
		out += fmt.Sprintf(".%07d", frac/100)
	}
	return sign + out
}

// ParseTimeSpan parses "[-][d.]hh:mm:ss[.fffffff]"
func ParseTimeSpan(s string) (TimeSpan, error) {
	orig := s
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid time span %q", orig)
	}

	var days int64
	hourPart := parts[0]
	if i := strings.IndexByte(hourPart, '.'); i >= 0 {
		v, err := strconv.ParseInt(hourPart[:i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid time span %q: %w", orig, err)
		}
		days = v
		hourPart = hourPart[i+1:]
	}
	hours, err := strconv.ParseInt(hourPart, 10, 64)
	if err != nil || hours > 23 {
		return 0, fmt.Errorf("invalid time span %q: bad hours", orig)
	}
	minutes, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || minutes > 59 {
		return 0, fmt.Errorf("invalid time span %q: bad minutes", orig)
	}
	secs, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || secs >= 60 || secs < 0 {
		return 0, fmt.Errorf("invalid time span %q: bad seconds", orig)
	}

	d := time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(secs*float64(time.Second)).Round(100*time.Nanosecond)
	if neg {
		d = -d
	}
	return TimeSpan(d), nil
}

func (t TimeSpan) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeSpan) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("time span must be a string: %w", err)
	}
	v, err := ParseTimeSpan(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Reservation is a lease on a set of named devices
type Reservation struct {
	DeviceNames   []string  `json:"DeviceNames"`
	HostName      string    `json:"HostName"`
	StartDateTime time.Time `json:"StartDateTime"`
	Duration      TimeSpan  `json:"Duration"`
	Guid          string    `json:"Guid"`
}

// clone returns a copy that shares no slices with r
func (r *Reservation) clone() *Reservation {
	c := *r
	c.DeviceNames = append([]string(nil), r.DeviceNames...)
	return &c
}

// createRequest is the body of POST /api/v1/reservations
type createRequest struct {
	DeviceTypes        []string `json:"DeviceTypes"`
	Hostname           string   `json:"Hostname"`
	Duration           TimeSpan `json:"Duration"`
	ReservationDetails string   `json:"ReservationDetails"`
}

// DeviceDescriptor is the service's description of one device
type DeviceDescriptor struct {
	Name         string            `json:"Name"`
	Type         string            `json:"Type"`
	IPOrHostName string            `json:"IPOrHostName"`
	PerfSpec     string            `json:"PerfSpec"`
	Model        string            `json:"Model"`
	Available    bool              `json:"Available"`
	Enabled      bool              `json:"Enabled"`
	DeviceData   map[string]string `json:"DeviceData,omitempty"`
}

func (d DeviceDescriptor) clone() DeviceDescriptor {
	d.DeviceData = maps.Clone(d.DeviceData)
	return d
}
