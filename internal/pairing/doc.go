// Package pairing onboards a device over its short-range control channel.
//
// The device exposes one write+notify characteristic (service 0x180A,
// characteristic 0xFFF1) speaking UTF-8 JSON commands, one request and
// one response at a time:
//
//	{"cmd":"get_identity"}                        -> hostname, deviceName
//	{"cmd":"get_status"}                          -> ip, wifiMode
//	{"cmd":"set_wifi","ssid":..,"password":..}    -> ok
//	{"cmd":"set_cloud","enabled":true,"baseUrl":..} -> ok
//	{"cmd":"get_cloud"}                           -> deviceId, wsUrl, authToken, tunnel
//
// A session moves through the phases
//
//	idle -> scanning -> reading_identity -> awaiting_wifi -> provisioning
//	     -> enabling_tunnel -> fetching_tunnel -> done
//
// skipping awaiting_wifi and provisioning when the device is already on a
// network. Any error moves the session to failed and the controller back
// to idle. A successful session yields exactly one device.Record.
//
// The transport is pluggable (see Transport). Subpackage mqttlink reaches
// devices through a BLE gateway on the MQTT broker.
package pairing
