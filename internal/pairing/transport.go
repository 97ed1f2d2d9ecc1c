package pairing

import "context"

// Transport reaches devices over the short-range control channel.
//
// Implementations: mqttlink (a BLE gateway on the MQTT broker). A nil
// Transport means the platform has none.
type Transport interface {
	// Discover lets the user (or gateway) choose a nearby device and
	// connects to its control characteristic.
	Discover(ctx context.Context) (Link, error)
}

// Link is a connection to one device's control characteristic.
//
// The protocol is strictly request/response: one Write, then one Read.
// A Link is not assumed to survive a pause in the pairing flow.
type Link interface {
	// Name returns the transport-native device name (e.g. the BLE
	// advertised name). May be empty.
	Name() string

	Write(ctx context.Context, payload []byte) error
	Read(ctx context.Context) ([]byte, error)

	// Close releases the link. Errors are logged, never surfaced.
	Close() error
}
