// Package influxdb records devlink telemetry in InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library and writes:
//   - channel_state: every channel state transition (tag channel_id, state)
//   - channel_frames: inbound message sizes per channel
//   - pairing: pairing attempt outcomes and durations
//   - claim: claim-code redemption outcomes
//
// Telemetry is optional. When disabled, main leaves the client nil and the
// write helpers become no-ops.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteChannelState("camera-0", "connected")
//
// Writes are batched according to batch_size and flush_interval.
package influxdb
