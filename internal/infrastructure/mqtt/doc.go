// Package mqtt provides MQTT connectivity for devlink.
//
// The broker is optional. When enabled it carries:
//   - Pairing, device and channel events for other home services
//   - The BLE control channel, via a gateway that owns the radio
//     (see internal/pairing/mqttlink)
//   - The daemon's online/offline status, with a Last Will
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.PublishJSON(mqtt.Topics{}.ChannelState("camera-0"),
//	    map[string]string{"state": "connected"}, true)
//
// TLS should be enabled whenever the broker is not on localhost; device
// bearer tokens never travel over MQTT.
package mqtt
