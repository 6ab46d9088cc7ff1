package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/signpost-core/internal/sign"
)

// MeasurementSignTelemetry holds one point per accepted status report.
const MeasurementSignTelemetry = "sign_telemetry"

// SignPoint converts a sign snapshot into a telemetry point stamped with
// its LastSeen time (or now when unset). Unreported fields are omitted.
func SignPoint(s sign.Sign, now time.Time) *write.Point {
	ts := now
	if s.LastSeen != nil {
		ts = *s.LastSeen
	}

	fields := map[string]any{
		"heading": s.Heading,
		"mode":    int(s.CurrentMode),
	}
	if s.Battery != nil {
		fields["battery"] = *s.Battery
	}
	if s.Signal != nil {
		fields["signal"] = *s.Signal
	}
	if s.Position != nil {
		fields["latitude"] = s.Position.Lat
		fields["longitude"] = s.Position.Lon
	}

	return write.NewPoint(
		MeasurementSignTelemetry,
		map[string]string{
			"sign_id": s.ID,
			"status":  string(s.Status),
		},
		fields,
		ts,
	)
}

// RecordTelemetry queues a point for s. It never blocks and does
// nothing once the client is closed.
func (c *Client) RecordTelemetry(s sign.Sign) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(SignPoint(s, time.Now()))
}
