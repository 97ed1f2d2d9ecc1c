// Package claim redeems claim codes against the cloud relay.
//
// A device that cannot be paired over BLE shows a six-character code.
// Redeeming it returns the relay WebSocket URL and token for that device,
// and a device.Record the caller can store like a BLE pairing result.
//
//	broker := claim.NewBroker(15 * time.Second)
//	red, err := broker.Redeem(ctx, "abc123", "https://cloud.espwifi.io", "")
package claim
