// Package mqtt provides MQTT client connectivity for Signpost.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with QoS and retained-state support
//   - Topic subscriptions that survive reconnects
//   - Last Will and Testament (LWT) on signpost/system/status
//
// # Topic tree
//
//	signpost/system/status            retained server liveness (LWT)
//	signpost/sign/{id}/status         device telemetry in
//	signpost/sign/{id}/state          retained full snapshot out
//	signpost/sign/{id}/command        retained current mode out
//
// The broker is optional. Signs that cannot speak MQTT keep using the
// HTTP report and poll endpoints.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllSignStatus(), 1,
//	    func(topic string, payload []byte) error {
//	        id, _, _ := mqtt.ParseSignTopic(topic)
//	        return handleReport(id, payload)
//	    })
package mqtt
