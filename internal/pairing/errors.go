package pairing

import "errors"

// Pairing errors. Failures of Pair and ProvisionWifi wrap one of these,
// apart from context cancellation which is returned as is.
var (
	// ErrUnsupportedPlatform means no short-range transport is available.
	// The user has to use the claim-code path instead.
	ErrUnsupportedPlatform = errors.New("pairing: short-range transport not available")

	// ErrTransportFailure covers discovery, connect and characteristic I/O
	// failures, and malformed device responses. Retry by calling Pair.
	ErrTransportFailure = errors.New("pairing: transport failure")

	// ErrProvisioningRejected means the device answered ok:false to a
	// configuration command. The device's error string follows the prefix.
	ErrProvisioningRejected = errors.New("pairing: device rejected request")

	// ErrWifiTimeout means the device reported no usable address before
	// the wifi deadline.
	ErrWifiTimeout = errors.New("pairing: device did not join wifi in time")

	// ErrNoDeviceIdentity means no record id could be derived.
	ErrNoDeviceIdentity = errors.New("pairing: device identity could not be resolved")

	// ErrInvalidPhase is returned when an operation is not valid in the
	// current phase (e.g. ProvisionWifi outside awaiting_wifi).
	ErrInvalidPhase = errors.New("pairing: operation not valid in current phase")

	// ErrInvalidSSID is returned for an empty SSID. The session is kept.
	ErrInvalidSSID = errors.New("pairing: ssid is required")

	// ErrSessionClosed is returned by an in-flight operation whose session
	// was closed or replaced while it was waiting on the device.
	ErrSessionClosed = errors.New("pairing: session closed")
)
