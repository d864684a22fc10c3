package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/hochfrequenz/device-test-orchestrator/internal/logging"
)

var (
	// ErrReservationFailed is returned when every create attempt failed
	ErrReservationFailed = errors.New("reservation failed")
	// ErrRenewalFatal is recorded when renewal retries are exhausted
	ErrRenewalFatal = errors.New("lease renewal failed")
)

// Options configures an auto-renewing lease
type Options struct {
	DeviceTypes []string
	// Details is sent as ReservationDetails; a random id when empty
	Details        string
	Duration       time.Duration
	RenewInterval  time.Duration
	MaxRetries     int
	RetryWait      time.Duration
	RenewRetries   int
	RenewRetryWait time.Duration
	// OnFatal runs once, on the renewal goroutine, when the lease is lost
	OnFatal func(err error)
	// OnDevicesChanged runs on the renewal goroutine after a renewal
	// returned a different device set
	OnDevicesChanged func(devices []DeviceDescriptor)
	Logger           *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Duration <= 0 {
		o.Duration = 10 * time.Minute
	}
	if o.RenewInterval <= 0 {
		o.RenewInterval = 5 * time.Minute
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryWait <= 0 {
		o.RetryWait = time.Minute
	}
	if o.RenewRetries < 0 {
		o.RenewRetries = 0
	}
	if o.RenewRetryWait <= 0 {
		o.RenewRetryWait = time.Minute
	}
	if o.Details == "" {
		o.Details = uuid.NewString()
	}
}

// errorKind classifies a service error for logging and retry decisions
type errorKind struct {
	name  string
	match func(error) bool
	retry bool
}

var retryPolicy = []errorKind{
	{"cancelled", func(err error) bool {
		return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	}, false},
	{"no devices available", func(err error) bool { return errors.Is(err, ErrNoDevicesAvailable) }, true},
	{"transport", func(err error) bool {
		var te *TransportError
		return errors.As(err, &te)
	}, true},
	{"service", func(err error) bool {
		var se *StatusError
		return errors.As(err, &se)
	}, true},
}

func classify(err error) errorKind {
	for _, k := range retryPolicy {
		if k.match(err) {
			return k
		}
	}
	return errorKind{name: "unknown", retry: true}
}

// retry runs op under a constant backoff of wait, at most retries extra times
func retry[T any](ctx context.Context, log *slog.Logger, what string, retries int, wait time.Duration, op func() (T, error)) (T, error) {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(wait), uint64(retries)), ctx)
	attempt := 0
	return backoff.RetryNotifyWithData(func() (T, error) {
		attempt++
		v, err := op()
		if err != nil && !classify(err).retry {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, b, func(err error, next time.Duration) {
		log.Warn(what+" failed, retrying", "kind", classify(err).name, "attempt", attempt, "wait", next, "err", err)
	})
}

// AutoRenew holds a reservation and renews it in the background until
// closed. A lease is held only once Reserve has returned successfully.
type AutoRenew struct {
	client *Client
	opts   Options
	log    *slog.Logger

	mu          sync.Mutex
	reservation *Reservation
	devices     []DeviceDescriptor
	err         error

	ctx       context.Context
	stop      context.CancelFunc
	loopDone  chan struct{}
	fatal     chan struct{}
	closeOnce sync.Once
}

// Reserve creates a reservation, resolves its devices and starts renewing it
func Reserve(ctx context.Context, client *Client, opts Options) (*AutoRenew, error) {
	opts.setDefaults()
	if len(opts.DeviceTypes) == 0 {
		return nil, fmt.Errorf("%w: no device types requested", ErrReservationFailed)
	}
	log := logging.Ensure(opts.Logger).With("component", "lease")

	res, err := retry(ctx, log, "create reservation", opts.MaxRetries, opts.RetryWait, func() (*Reservation, error) {
		return client.Create(ctx, opts.DeviceTypes, opts.Duration, opts.Details)
	})
	if err != nil {
		return nil, fmt.Errorf("%w after %d retries: %w", ErrReservationFailed, opts.MaxRetries, err)
	}
	log = log.With("guid", res.Guid)
	log.Info("reservation created", "devices", res.DeviceNames, "duration", res.Duration.Std())

	devices, err := resolveDevices(ctx, client, log, res.DeviceNames, opts)
	if err != nil {
		// Not held yet; give the devices back
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if derr := client.Delete(cleanupCtx, res.Guid); derr != nil {
			log.Warn("deleting unresolved reservation failed", "err", derr)
		}
		return nil, fmt.Errorf("%w: resolving devices: %w", ErrReservationFailed, err)
	}

	loopCtx, stop := context.WithCancel(context.Background())
	a := &AutoRenew{
		client:      client,
		opts:        opts,
		log:         log,
		reservation: res,
		devices:     devices,
		ctx:         loopCtx,
		stop:        stop,
		loopDone:    make(chan struct{}),
		fatal:       make(chan struct{}),
	}
	go a.renewLoop()
	return a, nil
}

func resolveDevices(ctx context.Context, client *Client, log *slog.Logger, names []string, opts Options) ([]DeviceDescriptor, error) {
	devices := make([]DeviceDescriptor, 0, len(names))
	for _, name := range names {
		d, err := retry(ctx, log, "resolve device "+name, opts.MaxRetries, opts.RetryWait, func() (*DeviceDescriptor, error) {
			return client.GetDevice(ctx, name)
		})
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	return devices, nil
}

// Guid returns the reservation id
func (a *AutoRenew) Guid() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reservation.Guid
}

// Reservation returns a copy of the current reservation
func (a *AutoRenew) Reservation() *Reservation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reservation.clone()
}

// Devices returns deep copies of the resolved device descriptors
func (a *AutoRenew) Devices() []DeviceDescriptor {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]DeviceDescriptor, len(a.devices))
	for i, d := range a.devices {
		out[i] = d.clone()
	}
	return out
}

// Done is closed when the lease is lost because renewal failed
func (a *AutoRenew) Done() <-chan struct{} {
	return a.fatal
}

// Err returns the fatal renewal error, or nil while the lease is held
func (a *AutoRenew) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *AutoRenew) renewLoop() {
	defer close(a.loopDone)

	ticker := time.NewTicker(a.opts.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
		}

		if err := a.renew(); err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.fail(err)
			return
		}
	}
}

func (a *AutoRenew) renew() error {
	guid := a.Guid()
	res, err := retry(a.ctx, a.log, "renew reservation", a.opts.RenewRetries, a.opts.RenewRetryWait, func() (*Reservation, error) {
		return a.client.Renew(a.ctx, guid, a.opts.Duration)
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	prev := a.reservation
	a.mu.Unlock()

	if res.Guid == "" {
		res.Guid = guid
	}
	if slices.Equal(sortedCopy(prev.DeviceNames), sortedCopy(res.DeviceNames)) {
		a.mu.Lock()
		a.reservation = res
		a.mu.Unlock()
		a.log.Debug("reservation renewed", "duration", res.Duration.Std())
		return nil
	}

	a.log.Info("reservation device set changed", "from", prev.DeviceNames, "to", res.DeviceNames)
	devices, err := resolveDevices(a.ctx, a.client, a.log, res.DeviceNames, a.opts)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.reservation = res
	a.devices = devices
	a.mu.Unlock()

	if a.opts.OnDevicesChanged != nil {
		changed := make([]DeviceDescriptor, len(devices))
		for i, d := range devices {
			changed[i] = d.clone()
		}
		a.opts.OnDevicesChanged(changed)
	}
	return nil
}

func sortedCopy(s []string) []string {
	c := slices.Clone(s)
	slices.Sort(c)
	return c
}

func (a *AutoRenew) fail(err error) {
	fatal := fmt.Errorf("%w after %d retries: %w", ErrRenewalFatal, a.opts.RenewRetries, err)
	a.mu.Lock()
	a.err = fatal
	a.mu.Unlock()
	close(a.fatal)

	a.log.Error("lease lost", "err", err)
	if a.opts.OnFatal != nil {
		a.opts.OnFatal(fatal)
	}
}

// Close stops the renewal goroutine, waits for it and deletes the
// reservation. Deletion is best-effort; failures are logged.
func (a *AutoRenew) Close(ctx context.Context) {
	a.closeOnce.Do(func() {
		a.stop()
		<-a.loopDone

		guid := a.Guid()
		if err := a.client.Delete(ctx, guid); err != nil {
			a.log.Warn("deleting reservation failed", "err", err)
			return
		}
		a.log.Info("reservation deleted")
	})
}
