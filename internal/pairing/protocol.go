package pairing

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BLE identifiers of the control characteristic.
const (
	ControlServiceUUID        = 0x180A
	ControlCharacteristicUUID = 0xFFF1
)

// Commands understood by the device on the control characteristic.
const (
	CmdGetIdentity = "get_identity"
	CmdGetStatus   = "get_status"
	CmdSetWifi     = "set_wifi"
	CmdSetCloud    = "set_cloud"
	CmdGetCloud    = "get_cloud"
)

// nullAddress is what the device reports before it has joined a network.
const nullAddress = "0.0.0.0"

// Command is one request written to the control characteristic.
type Command map[string]any

func getIdentity() Command { return Command{"cmd": CmdGetIdentity} }
func getStatus() Command   { return Command{"cmd": CmdGetStatus} }
func getCloud() Command    { return Command{"cmd": CmdGetCloud} }

func setWifi(ssid, password string) Command {
	return Command{"cmd": CmdSetWifi, "ssid": ssid, "password": password}
}

func setCloud(baseURL string) Command {
	return Command{"cmd": CmdSetCloud, "enabled": true, "baseUrl": baseURL}
}

// Name returns the command name.
func (c Command) Name() string {
	name, _ := c["cmd"].(string) //nolint:errcheck // constructors always set cmd
	return name
}

// Encode returns the UTF-8 JSON body written to the characteristic.
func (c Command) Encode() ([]byte, error) {
	return json.Marshal(map[string]any(c))
}

// Response is a decoded device reply.
type Response map[string]any

// DecodeResponse parses one characteristic read. Trailing NUL bytes, which
// some BLE stacks pad reads with, are ignored.
func DecodeResponse(raw []byte) (Response, error) {
	trimmed := strings.TrimRight(string(raw), "\x00 \r\n\t")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty response", ErrTransportFailure)
	}
	var r Response
	if err := json.Unmarshal([]byte(trimmed), &r); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %w", ErrTransportFailure, err)
	}
	if r == nil {
		return nil, fmt.Errorf("%w: response is not an object", ErrTransportFailure)
	}
	return r, nil
}

// Failed reports whether the device signalled failure: an explicit
// ok:false or a non-empty error.
func (r Response) Failed() bool {
	if ok, present := r["ok"].(bool); present && !ok {
		return true
	}
	return r.Error() != ""
}

// Error returns the device's error string, if any.
func (r Response) Error() string {
	s, _ := r["error"].(string) //nolint:errcheck // absent or non-string means no error
	return s
}

// String returns the first non-empty string found at any of the dotted
// paths, e.g. String("ip", "wifi.ip").
func (r Response) String(paths ...string) string {
	for _, p := range paths {
		if s, ok := r.lookup(p).(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// Bool returns the first boolean found at any of the dotted paths.
func (r Response) Bool(paths ...string) (value, found bool) {
	for _, p := range paths {
		if b, ok := r.lookup(p).(bool); ok {
			return b, true
		}
	}
	return false, false
}

func (r Response) lookup(path string) any {
	var cur any = map[string]any(r)
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

// Identity fields.

func (r Response) hostname() string {
	return r.String("hostname", "config.hostname", "identity.hostname")
}

func (r Response) deviceName() string {
	return r.String("deviceName", "config.deviceName", "name")
}

func (r Response) authToken() string {
	return r.String("authToken", "token", "auth.token")
}

// Status fields.

func (r Response) ipAddress() string {
	return r.String("ip", "wifi.ip", "address")
}

func (r Response) wifiMode() string {
	return strings.ToLower(r.String("wifiMode", "mode", "wifi.mode"))
}

// NeedsWifi reports whether a get_status reply means the device has no
// usable network: a null or missing address, or an access-point mode
// ("ap", "apsta", anything containing "ap").
func NeedsWifi(status Response) bool {
	if !hasAddress(status) {
		return true
	}
	return strings.Contains(status.wifiMode(), "ap")
}

func hasAddress(status Response) bool {
	ip := status.ipAddress()
	return ip != "" && ip != nullAddress
}

// cloudInfo is the get_cloud reply.
type cloudInfo struct {
	Enabled    bool
	BaseURL    string
	DeviceID   string
	WSURL      string
	AuthToken  string
	Tunnel     string
	NeedsClaim bool
}

func parseCloud(r Response) cloudInfo {
	info := cloudInfo{
		BaseURL:   r.String("baseUrl", "cloud.baseUrl"),
		DeviceID:  r.String("deviceId", "device_id", "cloud.deviceId"),
		WSURL:     r.String("wsUrl", "ui_ws_url", "uiWsUrl", "cloud.wsUrl"),
		AuthToken: r.String("authToken", "token", "cloud.authToken"),
		Tunnel:    r.String("tunnel", "cloud.tunnel"),
	}
	info.Enabled, _ = r.Bool("enabled", "cloud.enabled")
	if needs, ok := r.Bool("needsClaim", "cloud.needsClaim"); ok {
		info.NeedsClaim = needs
	} else if claimed, ok := r.Bool("claimed", "cloud.claimed"); ok {
		info.NeedsClaim = !claimed
	}
	return info
}
