package mqtt

import "testing"

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"SystemStatus", topics.SystemStatus(), "devlink/system/status"},
		{"PairingStatus", topics.PairingStatus(), "devlink/pairing/status"},
		{"DevicePaired", topics.DevicePaired("esp-kitchen"), "devlink/device/esp-kitchen/paired"},
		{"ChannelState", topics.ChannelState("camera-0"), "devlink/channel/camera-0/state"},
		{"AllChannelStates", topics.AllChannelStates(), "devlink/channel/+/state"},
		{"GatewayScan", topics.GatewayScan("gw-1"), "devlink/ble/gw-1/scan"},
		{"GatewayFound", topics.GatewayFound("gw-1"), "devlink/ble/gw-1/found"},
		{"GatewayWrite", topics.GatewayWrite("gw-1"), "devlink/ble/gw-1/write"},
		{"GatewayRead", topics.GatewayRead("gw-1"), "devlink/ble/gw-1/read"},
		{"GatewayDisconnect", topics.GatewayDisconnect("gw-1"), "devlink/ble/gw-1/disconnect"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}
}
