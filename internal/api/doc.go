// Package api provides the HTTP surface of Signpost Core.
//
// Signs use it to report telemetry and poll for their command. Operator
// dashboards use it to list the fleet, issue commands, rename signs, and
// follow live changes over Server-Sent Events or WebSocket.
//
// Routes:
//
//	GET  /api/health
//	GET  /api/metrics
//	GET  /api/signs
//	GET  /api/signs/events          SSE stream
//	GET  /api/signs/ws              WebSocket stream
//	GET  /api/signs/{id}
//	POST /api/signs/{id}/status     device telemetry
//	GET  /api/signs/{id}/command    device poll
//	POST /api/signs/{id}/command    operator command
//	PUT  /api/signs/{id}/name       operator rename
//	GET  /api/signs/{id}/commands   audit history
//	GET  /api/signs/{id}/telemetry  stored telemetry (InfluxDB)
//
// Both streams send the same JSON frames: a sign_update for every sign on
// connect, then sign_update, command_update and heartbeat frames as they
// happen.
package api
