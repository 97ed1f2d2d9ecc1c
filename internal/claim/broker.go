package claim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/nerrad567/devlink-core/internal/device"
)

const (
	// DefaultTunnel is the relay tunnel key used when none is given.
	DefaultTunnel = "ws_control"

	claimPath       = "/api/claim"
	maxResponseBody = 64 << 10
)

var codePattern = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// Logger is the logging interface used by the broker.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}

// Redemption is a successfully redeemed claim code.
type Redemption struct {
	DeviceID    string
	Token       string
	Tunnel      string
	UIWSURL     string
	UIAuthToken string

	// Record is the device record built from the redemption, ready to save.
	Record *device.Record
}

// Broker exchanges claim codes for relay credentials.
//
// It holds no per-claim state: two calls with the same code are
// independent requests, and one-time use is enforced by the relay.
type Broker struct {
	http      *http.Client
	now       func() time.Time
	logger    Logger
	onOutcome func(deviceID string, err error)
}

// NewBroker creates a broker whose requests time out after timeout.
func NewBroker(timeout time.Duration) *Broker {
	return &Broker{
		http:   &http.Client{Timeout: timeout},
		now:    time.Now,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the broker.
func (b *Broker) SetLogger(logger Logger) {
	b.logger = logger
}

// SetOnOutcome registers a callback invoked after every request that
// reached the relay. deviceID is empty when err is non-nil.
func (b *Broker) SetOnOutcome(fn func(deviceID string, err error)) {
	b.onOutcome = fn
}

// NormalizeCode trims and uppercases code and checks it is exactly six
// characters from [A-Z0-9].
func NormalizeCode(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if !codePattern.MatchString(c) {
		return "", ErrInvalidCodeFormat
	}
	return c, nil
}

type claimRequest struct {
	Code   string `json:"code"`
	Tunnel string `json:"tunnel,omitempty"`
}

type claimResponse struct {
	OK          *bool  `json:"ok"`
	Error       string `json:"error"`
	DeviceID    string `json:"device_id"`
	Token       string `json:"token"`
	Tunnel      string `json:"tunnel"`
	UIWSURL     string `json:"ui_ws_url"`
	UIAuthToken string `json:"ui_auth_token"`
}

// Redeem posts code to {baseURL}/api/claim and returns the relay's
// connection details together with a DeviceRecord for the device.
//
// tunnel may be empty, in which case it is omitted from the request and
// the relay applies its default.
//
// Errors:
//   - ErrInvalidCodeFormat: code rejected locally, nothing was sent
//   - ErrInvalidBaseURL: baseURL is not an absolute http(s) URL
//   - *RejectedError: the relay answered with an error string
//   - ErrClaimFailed: any other failure (wrapped)
func (b *Broker) Redeem(ctx context.Context, code, baseURL, tunnel string) (*Redemption, error) {
	normalized, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	base, err := normalizeBaseURL(baseURL)
	if err != nil {
		return nil, err
	}
	tunnel = strings.TrimSpace(tunnel)

	red, err := b.exchange(ctx, normalized, base, tunnel)
	if b.onOutcome != nil {
		deviceID := ""
		if red != nil {
			deviceID = red.DeviceID
		}
		b.onOutcome(deviceID, err)
	}
	return red, err
}

// exchange performs the relay request for an already validated code.
func (b *Broker) exchange(ctx context.Context, normalized, base, tunnel string) (*Redemption, error) {
	payload, err := json.Marshal(claimRequest{Code: normalized, Tunnel: tunnel})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %w", ErrClaimFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+claimPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClaimFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClaimFailed, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrClaimFailed, err)
	}

	var parsed claimResponse
	jsonErr := json.Unmarshal(body, &parsed)

	success := res.StatusCode >= 200 && res.StatusCode < 300 && jsonErr == nil &&
		(parsed.OK == nil || *parsed.OK)
	if !success {
		b.logger.Debug("claim rejected", "status", res.StatusCode, "base_url", base)
		return nil, rejection(res.StatusCode, body, parsed, jsonErr)
	}
	if parsed.DeviceID == "" || parsed.Token == "" {
		return nil, fmt.Errorf("%w: relay response missing device_id or token", ErrClaimFailed)
	}

	red := b.buildRedemption(parsed, base, tunnel)
	b.logger.Info("claim redeemed", "device_id", red.DeviceID, "tunnel", red.Tunnel)
	return red, nil
}

// rejection picks the relay's error string: the JSON "error" field, or
// the plain-text body written by http.Error.
func rejection(status int, body []byte, parsed claimResponse, jsonErr error) error {
	msg := strings.TrimSpace(parsed.Error)
	if jsonErr != nil {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		return ErrClaimFailed
	}
	return &RejectedError{StatusCode: status, Message: msg}
}

func (b *Broker) buildRedemption(resp claimResponse, baseURL, requestedTunnel string) *Redemption {
	tunnel := resp.Tunnel
	if tunnel == "" {
		tunnel = requestedTunnel
	}
	if tunnel == "" {
		tunnel = DefaultTunnel
	}
	uiToken := resp.UIAuthToken
	if uiToken == "" {
		uiToken = resp.Token
	}

	rec := &device.Record{
		ID:        resp.DeviceID,
		Name:      resp.DeviceID,
		DeviceID:  resp.DeviceID,
		AuthToken: device.StringPtr(resp.Token),
		CloudTunnel: &device.CloudTunnel{
			Enabled:   true,
			BaseURL:   baseURL,
			WSURL:     device.StringPtr(resp.UIWSURL),
			AuthToken: device.StringPtr(uiToken),
			Tunnel:    device.StringPtr(tunnel),
		},
		LastSeenAtMs: b.now().UnixMilli(),
	}

	return &Redemption{
		DeviceID:    resp.DeviceID,
		Token:       resp.Token,
		Tunnel:      tunnel,
		UIWSURL:     resp.UIWSURL,
		UIAuthToken: uiToken,
		Record:      rec,
	}
}

func normalizeBaseURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidBaseURL, raw)
	}
	return strings.TrimRight(u.String(), "/"), nil
}
