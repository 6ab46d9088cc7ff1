// Package signmqtt bridges the sign fleet onto MQTT.
//
// Signs that hold a broker connection publish telemetry on
// signpost/sign/{id}/status with the same JSON body as the HTTP report
// endpoint. The bridge feeds those reports into the registry and mirrors
// every change back out as retained messages:
//
//	signpost/sign/{id}/state     full sign snapshot
//	signpost/sign/{id}/command   {"command": N}
//
// A sign subscribing to its command topic receives the current mode
// immediately on connect, which replaces HTTP polling for MQTT-capable
// firmware. Delivery remains fire-and-forget.
package signmqtt
