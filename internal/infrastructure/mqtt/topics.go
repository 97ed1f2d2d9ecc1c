package mqtt

import "fmt"

// Topic roots. See Topics for the full hierarchy.
const (
	TopicPrefix       = "devlink"
	TopicPrefixBLE    = "devlink/ble"
	TopicPrefixSystem = "devlink/system"
)

// Topics builds devlink MQTT topic names.
//
//	devlink/system/status                  daemon online/offline (retained, LWT)
//	devlink/pairing/status                 pairing phase changes
//	devlink/device/{id}/paired             a DeviceRecord was produced
//	devlink/channel/{id}/state             channel state (retained)
//	devlink/ble/{gateway}/scan             request: start a device chooser
//	devlink/ble/{gateway}/found            response: chosen device or error
//	devlink/ble/{gateway}/write            request: write the control characteristic
//	devlink/ble/{gateway}/read             response: characteristic value
//	devlink/ble/{gateway}/disconnect       request: release the BLE link
type Topics struct{}

// SystemStatus returns the daemon status topic.
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// PairingStatus returns the topic for pairing phase events.
func (Topics) PairingStatus() string {
	return TopicPrefix + "/pairing/status"
}

// DevicePaired returns the topic announcing a newly paired or claimed device.
//
// Example: devlink/device/esp-kitchen/paired
func (Topics) DevicePaired(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/paired", TopicPrefix, deviceID)
}

// ChannelState returns the retained state topic for a channel.
//
// Example: devlink/channel/camera-0/state
func (Topics) ChannelState(channelID string) string {
	return fmt.Sprintf("%s/channel/%s/state", TopicPrefix, channelID)
}

// AllChannelStates matches every channel state topic.
func (Topics) AllChannelStates() string {
	return TopicPrefix + "/channel/+/state"
}

// GatewayScan returns the topic a BLE gateway listens on for chooser requests.
func (Topics) GatewayScan(gateway string) string {
	return fmt.Sprintf("%s/%s/scan", TopicPrefixBLE, gateway)
}

// GatewayFound returns the topic a gateway answers scan requests on.
func (Topics) GatewayFound(gateway string) string {
	return fmt.Sprintf("%s/%s/found", TopicPrefixBLE, gateway)
}

// GatewayWrite returns the topic for characteristic write requests.
func (Topics) GatewayWrite(gateway string) string {
	return fmt.Sprintf("%s/%s/write", TopicPrefixBLE, gateway)
}

// GatewayRead returns the topic a gateway publishes characteristic reads on.
func (Topics) GatewayRead(gateway string) string {
	return fmt.Sprintf("%s/%s/read", TopicPrefixBLE, gateway)
}

// GatewayDisconnect returns the topic for link release requests.
func (Topics) GatewayDisconnect(gateway string) string {
	return fmt.Sprintf("%s/%s/disconnect", TopicPrefixBLE, gateway)
}
