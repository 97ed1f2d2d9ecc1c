package main

import (
	"time"

	"github.com/nerrad567/devlink-core/internal/channel"
	"github.com/nerrad567/devlink-core/internal/device"
	"github.com/nerrad567/devlink-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/devlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/devlink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/devlink-core/internal/pairing"
)

// publisher is the subset of *mqtt.Client telemetry publishes through.
type publisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

// recorder is the subset of *influxdb.Client telemetry writes to.
type recorder interface {
	WriteChannelState(channelID, state string)
	WriteChannelFrame(channelID, kind string, size int)
	WritePairingOutcome(deviceID, phase string, initialSetup bool, duration time.Duration, errMsg string)
	WriteClaimOutcome(deviceID string, ok bool)
}

// telemetry mirrors channel, pairing and claim events to MQTT and
// InfluxDB. Either sink may be absent.
//
// telemetry implements channel.Observer.
type telemetry struct {
	pub    publisher
	rec    recorder
	topics mqtt.Topics
	log    *logging.Logger
}

func newTelemetry(mqttClient *mqtt.Client, influxClient *influxdb.Client, log *logging.Logger) *telemetry {
	t := &telemetry{log: log}
	if mqttClient != nil {
		t.pub = mqttClient
	}
	if influxClient != nil {
		t.rec = influxClient
	}
	return t
}

// ChannelStateChanged implements channel.Observer.
func (t *telemetry) ChannelStateChanged(ch channel.Channel) {
	if t.rec != nil {
		t.rec.WriteChannelState(ch.ID, string(ch.State))
	}
	t.publish(t.topics.ChannelState(ch.ID), ch, true)
}

// ChannelMessage implements channel.Observer.
func (t *telemetry) ChannelMessage(id string, msg channel.Message) {
	if t.rec == nil {
		return
	}
	size := len(msg.Text)
	if msg.Handle != nil {
		size = msg.Handle.Size
	}
	t.rec.WriteChannelFrame(id, string(msg.Kind), size)
}

// PairingStatus publishes every phase change and records terminal ones.
func (t *telemetry) PairingStatus(snap pairing.Snapshot) {
	t.publish(t.topics.PairingStatus(), snap, true)

	if t.rec == nil || !snap.Phase.Terminal() {
		return
	}
	var elapsed time.Duration
	if !snap.StartedAt.IsZero() {
		elapsed = time.Since(snap.StartedAt)
	}
	t.rec.WritePairingOutcome(snap.Hostname, string(snap.Phase), snap.InitialSetup, elapsed, snap.LastError)
}

// DevicePaired announces a newly paired device.
func (t *telemetry) DevicePaired(rec *device.Record) {
	t.publish(t.topics.DevicePaired(rec.ID), rec, false)
}

// ClaimOutcome records a claim redemption that reached the relay.
func (t *telemetry) ClaimOutcome(deviceID string, err error) {
	if t.rec != nil {
		t.rec.WriteClaimOutcome(deviceID, err == nil)
	}
	if err != nil {
		t.log.Info("claim failed", "error", err)
	}
}

func (t *telemetry) publish(topic string, v any, retained bool) {
	if t.pub == nil {
		return
	}
	if err := t.pub.PublishJSON(topic, v, retained); err != nil {
		t.log.Warn("telemetry publish failed", "topic", topic, "error", err)
	}
}
