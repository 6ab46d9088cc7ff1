// Package broadcast fans fleet events out to live observers.
//
// The Hub encodes each event once and queues the bytes on every
// subscription. Transports (SSE, WebSocket, the MQTT bridge) drain a
// subscription from a single goroutine, so each observer sees events in
// publish order. A subscriber that stops draining is dropped once its
// queue fills; it never slows the publisher or other observers.
//
// New subscribers receive a replay (normally a snapshot of every sign)
// ahead of any event published after they joined.
package broadcast
