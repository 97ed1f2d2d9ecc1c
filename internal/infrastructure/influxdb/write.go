package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementChannelState  = "channel_state"
	measurementChannelFrames = "channel_frames"
	measurementPairing       = "pairing"
	measurementClaim         = "claim"
)

// channelStateCodes maps channel states onto a numeric field so dashboards
// can graph availability.
var channelStateCodes = map[string]int{
	"disconnected": 0,
	"connecting":   1,
	"connected":    2,
	"error":        -1,
}

// WriteChannelState records a channel state transition.
//
// Example:
//
//	client.WriteChannelState("camera-0", "connected")
func (c *Client) WriteChannelState(channelID, state string) {
	c.writePoint(measurementChannelState,
		map[string]string{"channel_id": channelID, "state": state},
		map[string]interface{}{"code": channelStateCodes[state]},
		time.Now())
}

// WriteChannelFrame records one inbound message on a channel.
// kind is "text" or "binary"; size is the payload length in bytes.
func (c *Client) WriteChannelFrame(channelID, kind string, size int) {
	c.writePoint(measurementChannelFrames,
		map[string]string{"channel_id": channelID, "kind": kind},
		map[string]interface{}{"bytes": size},
		time.Now())
}

// WritePairingOutcome records the end of a pairing attempt.
//
// Parameters:
//   - deviceID: The paired device id, empty on failure
//   - phase: Terminal phase ("done" or "failed")
//   - initialSetup: Whether this was a first-time setup
//   - duration: Time from Pair to the terminal phase
//   - errMsg: Failure message, empty on success
func (c *Client) WritePairingOutcome(deviceID, phase string, initialSetup bool, duration time.Duration, errMsg string) {
	fields := map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
		"ok":          errMsg == "",
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	tags := map[string]string{"phase": phase}
	if initialSetup {
		tags["initial_setup"] = "true"
	}
	if deviceID != "" {
		tags["device_id"] = deviceID
	}
	c.writePoint(measurementPairing, tags, fields, time.Now())
}

// WriteClaimOutcome records a claim-code redemption.
func (c *Client) WriteClaimOutcome(deviceID string, ok bool) {
	tags := map[string]string{}
	if deviceID != "" {
		tags["device_id"] = deviceID
	}
	c.writePoint(measurementClaim, tags, map[string]interface{}{"ok": ok}, time.Now())
}

func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}
