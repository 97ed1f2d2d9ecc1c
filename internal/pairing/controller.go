package pairing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/devlink-core/internal/device"
)

// Logger defines the logging interface used by the Controller.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds the pairing timings and the relay written to devices.
type Config struct {
	// RelayBaseURL is sent to the device with set_cloud.
	RelayBaseURL string

	// PollInterval is the delay between get_status polls while waiting
	// for the device to join wifi.
	PollInterval time.Duration

	// WifiDeadline bounds the whole polling loop.
	WifiDeadline time.Duration

	// SettleDelay is waited after set_wifi during an initial setup, in
	// place of polling.
	SettleDelay time.Duration

	// ResponseTimeout bounds a single request/response exchange.
	// Zero means no bound beyond the caller's context.
	ResponseTimeout time.Duration
}

// Options select the flavour of a pairing session.
type Options struct {
	// InitialSetup forces the wifi step even when the device already
	// reports a network.
	InitialSetup bool
}

// Result is returned by Pair and ProvisionWifi.
//
// Phase is PhaseAwaitingWifi when the caller must now collect credentials
// and call ProvisionWifi, or PhaseDone with Record set.
type Result struct {
	Phase  Phase
	Record *device.Record
}

// Snapshot is the observable state of the controller.
type Snapshot struct {
	SessionID    string    `json:"sessionId,omitempty"`
	Phase        Phase     `json:"phase"`
	StatusText   string    `json:"statusText"`
	InitialSetup bool      `json:"initialSetup"`
	DeviceName   string    `json:"deviceName,omitempty"`
	Hostname     string    `json:"hostname,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
	StartedAt    time.Time `json:"startedAt,omitempty"`
}

// session is one pairing attempt. Sessions are never reused: a replaced or
// closed session is detected by pointer comparison against c.session.
type session struct {
	id           string
	phase        Phase
	statusText   string
	initialSetup bool
	identity     Response
	linkName     string
	startedAt    time.Time
}

// Controller drives BLE-style pairing of one device at a time.
//
// A call to Pair replaces any session in progress. Work belonging to the
// replaced session stops at its next step and returns ErrSessionClosed.
//
// All public methods are thread-safe. Callbacks run outside the lock.
type Controller struct {
	transport Transport
	cfg       Config
	logger    Logger

	mu      sync.Mutex
	session *session
	last    Snapshot

	onStatus   func(Snapshot)
	onComplete func(*device.Record)

	now func() time.Time
}

// NewController creates a Controller. A nil transport makes every Pair
// fail with ErrUnsupportedPlatform.
func NewController(transport Transport, cfg Config) *Controller {
	return &Controller{
		transport: transport,
		cfg:       cfg,
		logger:    noopLogger{},
		last:      Snapshot{Phase: PhaseIdle, StatusText: statusText(PhaseIdle)},
		now:       time.Now,
	}
}

// SetLogger sets the logger for the controller.
func (c *Controller) SetLogger(logger Logger) {
	c.logger = logger
}

// SetOnStatus registers a callback for every phase change.
func (c *Controller) SetOnStatus(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = fn
}

// SetOnComplete registers a callback receiving each paired record.
// It is called exactly once per successful session, never on failure.
func (c *Controller) SetOnComplete(fn func(*device.Record)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onComplete = fn
}

// Snapshot returns the current session state, or the outcome of the last
// session when idle.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return c.last
	}
	return c.snapshotLocked(c.session)
}

// Pair starts a new session: discover a device, read its identity and
// either stop at PhaseAwaitingWifi or go straight on to enable the tunnel.
func (c *Controller) Pair(ctx context.Context, opts Options) (*Result, error) {
	if c.transport == nil {
		c.mu.Lock()
		c.last = Snapshot{Phase: PhaseIdle, StatusText: statusText(PhaseIdle), LastError: ErrUnsupportedPlatform.Error()}
		c.mu.Unlock()
		return nil, ErrUnsupportedPlatform
	}

	s := &session{
		id:           uuid.NewString(),
		initialSetup: opts.InitialSetup,
		startedAt:    c.now(),
	}
	c.mu.Lock()
	if prev := c.session; prev != nil {
		c.logger.Info("pairing session replaced", "previous", prev.id, "session", s.id)
	}
	c.session = s
	c.mu.Unlock()

	c.logger.Info("pairing started", "session", s.id, "initial_setup", opts.InitialSetup)

	if err := c.setPhase(s, PhaseScanning); err != nil {
		return nil, err
	}
	link, err := c.transport.Discover(ctx)
	if err != nil {
		return nil, c.fail(s, nil, fmt.Errorf("%w: discover: %w", ErrTransportFailure, err))
	}

	if err := c.setPhase(s, PhaseReadingIdentity); err != nil {
		c.release(link)
		return nil, err
	}
	identity, err := c.query(ctx, link, getIdentity())
	if err != nil {
		return nil, c.fail(s, link, err)
	}
	c.mu.Lock()
	s.identity = identity
	s.linkName = link.Name()
	c.mu.Unlock()

	if opts.InitialSetup {
		c.release(link)
		return c.awaitWifi(s)
	}

	status, err := c.query(ctx, link, getStatus())
	if err != nil {
		return nil, c.fail(s, link, err)
	}
	if NeedsWifi(status) {
		c.logger.Info("device needs wifi", "session", s.id, "ip", status.ipAddress(), "mode", status.wifiMode())
		c.release(link)
		return c.awaitWifi(s)
	}

	return c.converge(ctx, s, link)
}

// ProvisionWifi sends wifi credentials to the device of the current
// session. Only valid in PhaseAwaitingWifi.
//
// The link used for Pair was released while waiting for the user, so the
// device is discovered again first.
func (c *Controller) ProvisionWifi(ctx context.Context, ssid, password string) (*Result, error) {
	ssid = strings.TrimSpace(ssid)

	c.mu.Lock()
	s := c.session
	if s == nil || s.phase != PhaseAwaitingWifi {
		c.mu.Unlock()
		return nil, ErrInvalidPhase
	}
	if ssid == "" {
		c.mu.Unlock()
		return nil, ErrInvalidSSID
	}
	// Claim the phase under the lock so a concurrent call sees ErrInvalidPhase.
	s.phase = PhaseProvisioning
	s.statusText = "Reconnecting to device..."
	snap := c.snapshotLocked(s)
	onStatus := c.onStatus
	c.mu.Unlock()
	c.emit(onStatus, snap)

	link, err := c.transport.Discover(ctx)
	if err != nil {
		return nil, c.fail(s, nil, fmt.Errorf("%w: discover: %w", ErrTransportFailure, err))
	}

	identity, err := c.query(ctx, link, getIdentity())
	if err != nil {
		return nil, c.fail(s, link, err)
	}
	c.mu.Lock()
	if prev := s.identity.hostname(); prev != "" && identity.hostname() != "" && prev != identity.hostname() {
		c.logger.Warn("provisioning a different device than was first read",
			"session", s.id, "first_hostname", prev, "hostname", identity.hostname())
	}
	s.identity = identity
	s.linkName = link.Name()
	c.mu.Unlock()

	if err := c.setPhase(s, PhaseProvisioning); err != nil {
		c.release(link)
		return nil, err
	}
	resp, err := c.request(ctx, link, setWifi(ssid, password))
	if err != nil {
		return nil, c.fail(s, link, err)
	}
	if resp.Failed() {
		return nil, c.fail(s, link, fmt.Errorf("%w: %s", ErrProvisioningRejected, rejection(resp)))
	}
	c.logger.Info("wifi credentials accepted", "session", s.id, "ssid", ssid)

	if s.initialSetup {
		if err := sleepCtx(ctx, c.cfg.SettleDelay); err != nil {
			return nil, c.fail(s, link, err)
		}
	} else if err := c.waitForNetwork(ctx, s, link); err != nil {
		return nil, c.fail(s, link, err)
	}

	return c.converge(ctx, s, link)
}

// Close ends the current session, if any. Operations of that session
// still in flight return ErrSessionClosed and release their links.
func (c *Controller) Close() {
	c.mu.Lock()
	s := c.session
	if s == nil {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.last = Snapshot{Phase: PhaseIdle, StatusText: statusText(PhaseIdle)}
	snap := c.last
	onStatus := c.onStatus
	c.mu.Unlock()

	c.logger.Info("pairing session closed", "session", s.id)
	c.emit(onStatus, snap)
}

// waitForNetwork polls get_status until the device reports an address or
// the wifi deadline passes.
func (c *Controller) waitForNetwork(ctx context.Context, s *session, link Link) error {
	deadline := time.NewTimer(c.cfg.WifiDeadline)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrWifiTimeout
		case <-ticker.C:
		}

		if !c.current(s) {
			return ErrSessionClosed
		}
		status, err := c.query(ctx, link, getStatus())
		if err != nil {
			return err
		}
		if hasAddress(status) {
			c.logger.Info("device joined wifi", "session", s.id, "ip", status.ipAddress(), "polls", attempt)
			return nil
		}
		c.logger.Debug("device not on wifi yet", "session", s.id, "poll", attempt)
	}
}

// converge enables the relay tunnel on the device, reads it back and
// builds the record. Owns link from here on.
func (c *Controller) converge(ctx context.Context, s *session, link Link) (*Result, error) {
	if err := c.setPhase(s, PhaseEnablingTunnel); err != nil {
		c.release(link)
		return nil, err
	}
	resp, err := c.request(ctx, link, setCloud(c.cfg.RelayBaseURL))
	if err != nil {
		return nil, c.fail(s, link, err)
	}
	if resp.Failed() {
		return nil, c.fail(s, link, fmt.Errorf("%w: %s", ErrProvisioningRejected, rejection(resp)))
	}

	if err := c.setPhase(s, PhaseFetchingTunnel); err != nil {
		c.release(link)
		return nil, err
	}
	cloud, err := c.query(ctx, link, getCloud())
	if err != nil {
		return nil, c.fail(s, link, err)
	}
	c.release(link)

	c.mu.Lock()
	identity, linkName := s.identity, s.linkName
	c.mu.Unlock()

	rec, err := c.buildRecord(identity, linkName, parseCloud(cloud))
	if err != nil {
		return nil, c.fail(s, nil, err)
	}

	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.phase = PhaseDone
	s.statusText = statusText(PhaseDone)
	c.last = c.snapshotLocked(s)
	c.session = nil
	snap := c.last
	onStatus, onComplete := c.onStatus, c.onComplete
	c.mu.Unlock()

	c.logger.Info("pairing completed", "session", s.id, "device", rec.ID,
		"duration", c.now().Sub(s.startedAt).String())
	c.emit(onStatus, snap)
	if onComplete != nil {
		onComplete(rec.DeepCopy())
	}
	return &Result{Phase: PhaseDone, Record: rec}, nil
}

func (c *Controller) buildRecord(identity Response, linkName string, cloud cloudInfo) (*device.Record, error) {
	hostname := identity.hostname()
	id, ok := device.DeriveID(cloud.DeviceID, hostname, linkName)
	if !ok {
		return nil, ErrNoDeviceIdentity
	}

	deviceID := cloud.DeviceID
	if deviceID == "" {
		deviceID = id
	}
	baseURL := cloud.BaseURL
	if baseURL == "" {
		baseURL = c.cfg.RelayBaseURL
	}
	authToken := identity.authToken()

	rec := &device.Record{
		ID:        id,
		Hostname:  device.StringPtr(hostname),
		DeviceID:  deviceID,
		AuthToken: device.StringPtr(authToken),
		CloudTunnel: &device.CloudTunnel{
			Enabled:    true,
			BaseURL:    baseURL,
			WSURL:      device.StringPtr(cloud.WSURL),
			AuthToken:  device.StringPtr(cloud.AuthToken),
			Tunnel:     device.StringPtr(cloud.Tunnel),
			NeedsClaim: cloud.NeedsClaim,
		},
		LastSeenAtMs: c.now().UnixMilli(),
	}
	rec.Name = device.DisplayName(identity.deviceName(), rec.Hostname, id)
	return rec, nil
}

// awaitWifi parks the session until ProvisionWifi is called.
func (c *Controller) awaitWifi(s *session) (*Result, error) {
	if err := c.setPhase(s, PhaseAwaitingWifi); err != nil {
		return nil, err
	}
	return &Result{Phase: PhaseAwaitingWifi}, nil
}

// query sends a read command and treats a device-side failure as a
// transport failure, since no read command is expected to be refused.
func (c *Controller) query(ctx context.Context, link Link, cmd Command) (Response, error) {
	resp, err := c.request(ctx, link, cmd)
	if err != nil {
		return nil, err
	}
	if resp.Failed() {
		return nil, fmt.Errorf("%w: %s: %s", ErrTransportFailure, cmd.Name(), rejection(resp))
	}
	return resp, nil
}

// request performs one write/read exchange on the control characteristic.
func (c *Controller) request(ctx context.Context, link Link, cmd Command) (Response, error) {
	if c.cfg.ResponseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ResponseTimeout)
		defer cancel()
	}

	payload, err := cmd.Encode()
	if err != nil {
		return nil, fmt.Errorf("%w: encoding %s: %w", ErrTransportFailure, cmd.Name(), err)
	}
	if err := link.Write(ctx, payload); err != nil {
		return nil, fmt.Errorf("%w: writing %s: %w", ErrTransportFailure, cmd.Name(), err)
	}
	raw, err := link.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s response: %w", ErrTransportFailure, cmd.Name(), err)
	}
	resp, err := DecodeResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.Name(), err)
	}
	c.logger.Debug("device response", "cmd", cmd.Name(), "bytes", len(raw))
	return resp, nil
}

// setPhase moves s to phase and notifies observers. Returns
// ErrSessionClosed when s is no longer the current session.
func (c *Controller) setPhase(s *session, phase Phase) error {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	s.phase = phase
	s.statusText = statusText(phase)
	snap := c.snapshotLocked(s)
	onStatus := c.onStatus
	c.mu.Unlock()

	c.logger.Debug("pairing phase", "session", s.id, "phase", string(phase))
	c.emit(onStatus, snap)
	return nil
}

// fail ends s with err, releasing link if non-nil. A stale session is
// left alone and reported as ErrSessionClosed.
func (c *Controller) fail(s *session, link Link, err error) error {
	if link != nil {
		c.release(link)
	}

	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	s.phase = PhaseFailed
	s.statusText = "Pairing failed: " + err.Error()
	snap := c.snapshotLocked(s)
	snap.LastError = err.Error()
	c.last = snap
	c.session = nil
	onStatus := c.onStatus
	c.mu.Unlock()

	c.logger.Warn("pairing failed", "session", s.id, "error", err)
	c.emit(onStatus, snap)
	return err
}

func (c *Controller) current(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session == s
}

func (c *Controller) release(link Link) {
	if err := link.Close(); err != nil {
		c.logger.Debug("closing device link", "error", err)
	}
}

func (c *Controller) emit(fn func(Snapshot), snap Snapshot) {
	if fn != nil {
		fn(snap)
	}
}

func (c *Controller) snapshotLocked(s *session) Snapshot {
	snap := Snapshot{
		SessionID:    s.id,
		Phase:        s.phase,
		StatusText:   s.statusText,
		InitialSetup: s.initialSetup,
		StartedAt:    s.startedAt,
	}
	if s.identity != nil {
		snap.DeviceName = s.identity.deviceName()
		snap.Hostname = s.identity.hostname()
	}
	return snap
}

func rejection(r Response) string {
	if msg := r.Error(); msg != "" {
		return msg
	}
	return "ok=false"
}

func statusText(p Phase) string {
	switch p {
	case PhaseScanning:
		return "Searching for device..."
	case PhaseReadingIdentity:
		return "Reading device identity..."
	case PhaseAwaitingWifi:
		return "Enter wifi credentials for the device"
	case PhaseProvisioning:
		return "Sending wifi credentials..."
	case PhaseEnablingTunnel:
		return "Enabling cloud tunnel..."
	case PhaseFetchingTunnel:
		return "Reading tunnel details..."
	case PhaseDone:
		return "Device paired"
	case PhaseFailed:
		return "Pairing failed"
	default:
		return "Ready to pair"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
