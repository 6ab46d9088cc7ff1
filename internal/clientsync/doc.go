// Package clientsync keeps an observer's copy of the fleet in step with
// the server.
//
// A Syncer loads the full sign list once, then follows the server's
// event stream (WebSocket or SSE). When the stream fails it retries with
// a fixed backoff; after three consecutive failures it falls back to
// polling the list endpoint until Reinit is called.
//
//	Connecting ──ok──▶ Streaming ──error──▶ Degraded
//	    ▲                                     │
//	    └──── Reconnecting ◀── failures < 3 ──┤
//	                                          └── failures ≥ 3 ──▶ Polling
//
// A streaming connection that delivers nothing (not even a heartbeat)
// for a full liveness interval is dropped and reopened without counting
// as a failure.
package clientsync
