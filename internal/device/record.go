package device

import (
	"fmt"
	"strings"
)

// Record is the durable identity of a paired device. It is produced by
// BLE pairing or claim-code redemption and consumed by the channel
// registry, the device-local API client and the dashboard.
type Record struct {
	// ID is the stable primary key. Never empty; see DeriveID.
	ID string `json:"id"`

	// Name is the user-facing label. Falls back to Hostname, then ID.
	Name string `json:"name"`

	Hostname *string `json:"hostname"`
	DeviceID string  `json:"deviceId"`

	// AuthToken authorises calls to the device's local HTTP API.
	AuthToken *string `json:"authToken"`

	// CloudTunnel is set only when the device has a relay configured.
	CloudTunnel *CloudTunnel `json:"cloudTunnel,omitempty"`

	// LastSeenAtMs is the Unix time in milliseconds of the last
	// successful pairing or claim.
	LastSeenAtMs int64 `json:"lastSeenAtMs"`
}

// CloudTunnel describes how to reach a device through the cloud relay.
type CloudTunnel struct {
	Enabled    bool    `json:"enabled"`
	BaseURL    string  `json:"baseUrl"`
	WSURL      *string `json:"wsUrl"`
	AuthToken  *string `json:"authToken"`
	Tunnel     *string `json:"tunnel"`
	NeedsClaim bool    `json:"needsClaim"`
}

// DeriveID returns the first non-blank candidate, trimmed. Callers pass
// candidates in priority order: cloud device id, identity hostname,
// transport-native device name. ok is false when none resolve.
func DeriveID(candidates ...string) (id string, ok bool) {
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			return c, true
		}
	}
	return "", false
}

// DisplayName picks the user-facing label for a record.
func DisplayName(name string, hostname *string, id string) string {
	if n := strings.TrimSpace(name); n != "" {
		return n
	}
	if hostname != nil && strings.TrimSpace(*hostname) != "" {
		return strings.TrimSpace(*hostname)
	}
	return id
}

// Validate checks the invariants every stored record must hold.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	}
	if r.CloudTunnel != nil && r.CloudTunnel.Enabled && r.CloudTunnel.BaseURL == "" {
		return fmt.Errorf("%w: enabled cloud tunnel needs a base url", ErrInvalidRecord)
	}
	return nil
}

// DeepCopy returns an independent copy of the record.
func (r *Record) DeepCopy() *Record {
	if r == nil {
		return nil
	}
	cpy := *r
	cpy.Hostname = copyString(r.Hostname)
	cpy.AuthToken = copyString(r.AuthToken)
	if r.CloudTunnel != nil {
		ct := *r.CloudTunnel
		ct.WSURL = copyString(r.CloudTunnel.WSURL)
		ct.AuthToken = copyString(r.CloudTunnel.AuthToken)
		ct.Tunnel = copyString(r.CloudTunnel.Tunnel)
		cpy.CloudTunnel = &ct
	}
	return &cpy
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
