package claim

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestBroker() *Broker {
	b := NewBroker(5 * time.Second)
	b.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return b
}

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"ABC123", "ABC123", false},
		{"abc123", "ABC123", false},
		{"  aBc123\n", "ABC123", false},
		{"000000", "000000", false},
		{"ABC12", "", true},
		{"ABC1234", "", true},
		{"ABC-12", "", true},
		{"ABC 12", "", true},
		{"", "", true},
		{"ÄBC123", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := NormalizeCode(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCodeFormat) {
					t.Errorf("NormalizeCode(%q) error = %v, want ErrInvalidCodeFormat", tt.input, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("NormalizeCode(%q) = (%q, %v), want %q", tt.input, got, err, tt.want)
			}
		})
	}
}

func TestRedeem_InvalidCodeMakesNoRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	for _, code := range []string{"", "ABC12", "ABC!23", "TOOLONG1"} {
		_, err := newTestBroker().Redeem(context.Background(), code, srv.URL, "")
		if !errors.Is(err, ErrInvalidCodeFormat) {
			t.Errorf("Redeem(%q) error = %v, want ErrInvalidCodeFormat", code, err)
		}
	}
	if calls.Load() != 0 {
		t.Errorf("server called %d times, want 0", calls.Load())
	}
}

func TestRedeem_Success(t *testing.T) {
	var got claimRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/claim" {
			t.Errorf("request = %s %s, want POST /api/claim", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"device_id":"dev-9","token":"t1","ui_ws_url":"wss://relay/dev-9"}`))
	}))
	defer srv.Close()

	red, err := newTestBroker().Redeem(context.Background(), " abc123 ", srv.URL+"/", "")
	if err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}

	if got.Code != "ABC123" {
		t.Errorf("sent code = %q, want ABC123", got.Code)
	}
	if got.Tunnel != "" {
		t.Errorf("sent tunnel = %q, want omitted", got.Tunnel)
	}

	rec := red.Record
	if rec.ID != "dev-9" || rec.DeviceID != "dev-9" {
		t.Errorf("record id/deviceId = %q/%q, want dev-9", rec.ID, rec.DeviceID)
	}
	if rec.CloudTunnel == nil || rec.CloudTunnel.WSURL == nil || *rec.CloudTunnel.WSURL != "wss://relay/dev-9" {
		t.Fatalf("cloudTunnel.wsUrl = %+v, want wss://relay/dev-9", rec.CloudTunnel)
	}
	if !rec.CloudTunnel.Enabled || rec.CloudTunnel.BaseURL != srv.URL {
		t.Errorf("cloudTunnel = %+v", rec.CloudTunnel)
	}
	if rec.LastSeenAtMs != 1700000000000 {
		t.Errorf("LastSeenAtMs = %d, want call time", rec.LastSeenAtMs)
	}
	if red.UIAuthToken != "t1" {
		t.Errorf("UIAuthToken = %q, want fallback to token", red.UIAuthToken)
	}
	if red.Tunnel != DefaultTunnel {
		t.Errorf("Tunnel = %q, want %q", red.Tunnel, DefaultTunnel)
	}
}

func TestRedeem_PassesTunnelAndUIToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req claimRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Tunnel != "ws_media" {
			t.Errorf("sent tunnel = %q, want ws_media", req.Tunnel)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true, "device_id": "dev-1", "token": "t1", "tunnel": "ws_media",
			"ui_ws_url": "wss://relay/ws/ui/dev-1?tunnel=ws_media", "ui_auth_token": "ui-t",
		})
	}))
	defer srv.Close()

	red, err := newTestBroker().Redeem(context.Background(), "ZZ9ZZ9", srv.URL, "ws_media")
	if err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}
	if red.Tunnel != "ws_media" || red.UIAuthToken != "ui-t" {
		t.Errorf("redemption = %+v", red)
	}
	if *red.Record.CloudTunnel.AuthToken != "ui-t" {
		t.Errorf("cloud auth token = %q, want ui-t", *red.Record.CloudTunnel.AuthToken)
	}
}

func TestRedeem_Failures(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
	}{
		{"json error field", http.StatusOK, `{"ok":false,"error":"code already used"}`, "code already used"},
		{"plain text from http.Error", http.StatusNotFound, "invalid or expired code\n", "invalid or expired code"},
		{"json error on 4xx", http.StatusBadRequest, `{"ok":false,"error":"invalid code"}`, "invalid code"},
		{"no message", http.StatusInternalServerError, "", ""},
		{"ok false without message", http.StatusOK, `{"ok":false}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			red, err := newTestBroker().Redeem(context.Background(), "ABC123", srv.URL, "")
			if red != nil {
				t.Errorf("Redeem() returned a redemption on failure: %+v", red)
			}
			if !errors.Is(err, ErrClaimFailed) {
				t.Fatalf("Redeem() error = %v, want ErrClaimFailed", err)
			}
			if tt.wantMessage == "" {
				if err != ErrClaimFailed { //nolint:errorlint // exact sentinel expected
					t.Errorf("Redeem() error = %v, want bare ErrClaimFailed", err)
				}
				return
			}
			if err.Error() != tt.wantMessage {
				t.Errorf("error message = %q, want %q", err.Error(), tt.wantMessage)
			}
			var rej *RejectedError
			if !errors.As(err, &rej) || rej.StatusCode != tt.status {
				t.Errorf("error = %#v, want *RejectedError with status %d", err, tt.status)
			}
		})
	}
}

func TestRedeem_IncompleteResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"device_id":"dev-9"}`))
	}))
	defer srv.Close()

	if _, err := newTestBroker().Redeem(context.Background(), "ABC123", srv.URL, ""); !errors.Is(err, ErrClaimFailed) {
		t.Errorf("Redeem() error = %v, want ErrClaimFailed", err)
	}
}

func TestRedeem_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	if _, err := newTestBroker().Redeem(context.Background(), "ABC123", url, ""); !errors.Is(err, ErrClaimFailed) {
		t.Errorf("Redeem() error = %v, want ErrClaimFailed", err)
	}
}

func TestRedeem_InvalidBaseURL(t *testing.T) {
	for _, base := range []string{"", "cloud.example", "ftp://cloud.example", "https://"} {
		if _, err := newTestBroker().Redeem(context.Background(), "ABC123", base, ""); !errors.Is(err, ErrInvalidBaseURL) {
			t.Errorf("Redeem(base=%q) error = %v, want ErrInvalidBaseURL", base, err)
		}
	}
}

func TestRedeem_IndependentCalls(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"ok":true,"device_id":"dev-9","token":"t1","ui_ws_url":"wss://relay/dev-9"}`))
			return
		}
		http.Error(w, "invalid or expired code", http.StatusNotFound)
	}))
	defer srv.Close()

	b := newTestBroker()
	if _, err := b.Redeem(context.Background(), "ABC123", srv.URL, ""); err != nil {
		t.Fatalf("first Redeem() error = %v", err)
	}
	_, err := b.Redeem(context.Background(), "ABC123", srv.URL, "")
	if err == nil || err.Error() != "invalid or expired code" {
		t.Errorf("second Redeem() error = %v, want relay message", err)
	}
	if calls.Load() != 2 {
		t.Errorf("server calls = %d, want 2", calls.Load())
	}
}

func TestRedeem_ReportsOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req claimRequest
		json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck // test relay
		if req.Code == "GOOD01" {
			w.Write([]byte(`{"ok":true,"device_id":"dev-1","token":"t"}`)) //nolint:errcheck // test relay
			return
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"ok":false,"error":"unknown code"}`)) //nolint:errcheck // test relay
	}))
	defer srv.Close()

	type outcome struct {
		deviceID string
		failed   bool
	}
	var got []outcome
	b := newTestBroker()
	b.SetOnOutcome(func(deviceID string, err error) {
		got = append(got, outcome{deviceID, err != nil})
	})

	b.Redeem(context.Background(), "GOOD01", srv.URL, "")   //nolint:errcheck // outcome checked below
	b.Redeem(context.Background(), "BAD002", srv.URL, "")   //nolint:errcheck // outcome checked below
	b.Redeem(context.Background(), "short", srv.URL, "")    //nolint:errcheck // rejected locally
	b.Redeem(context.Background(), "GOOD01", "ftp://x", "") //nolint:errcheck // rejected locally

	want := []outcome{{"dev-1", false}, {"", true}}
	if len(got) != len(want) {
		t.Fatalf("outcomes = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("outcome %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
