package influxdb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Query bounds for telemetry history.
const (
	DefaultTelemetryWindow = time.Hour
	MaxTelemetryWindow     = 30 * 24 * time.Hour
	DefaultTelemetryLimit  = 100
	MaxTelemetryLimit      = 1000
)

// fluxQuerier is the subset of api.QueryAPI used here.
type fluxQuerier interface {
	Query(ctx context.Context, query string) (*api.QueryTableResult, error)
}

// TelemetrySample is one stored status report. Fields the sign did not
// report are nil.
type TelemetrySample struct {
	Time      time.Time `json:"time"`
	Status    string    `json:"status"`
	Heading   *int      `json:"heading"`
	Mode      *int      `json:"mode"`
	Battery   *int      `json:"battery"`
	Signal    *int      `json:"signal"`
	Latitude  *float64  `json:"latitude"`
	Longitude *float64  `json:"longitude"`
}

// QueryTelemetry returns up to limit samples for signID recorded within
// window, newest first. Out-of-range arguments are clamped.
func (c *Client) QueryTelemetry(ctx context.Context, signID string, window time.Duration, limit int) ([]TelemetrySample, error) {
	if c == nil || c.queryAPI == nil || !c.IsConnected() {
		return nil, ErrNotConnected
	}
	if strings.TrimSpace(signID) == "" {
		return nil, fmt.Errorf("sign id is required")
	}

	result, err := c.queryAPI.Query(ctx, telemetryQuery(c.cfg.Bucket, signID, window, limit))
	if err != nil {
		return nil, fmt.Errorf("querying telemetry: %w", err)
	}
	defer result.Close()

	samples := []TelemetrySample{}
	for result.Next() {
		samples = append(samples, sampleFromValues(result.Record().Time(), result.Record().Values()))
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("reading telemetry: %w", err)
	}
	return samples, nil
}

// telemetryQuery builds the Flux query for one sign's history, with
// fields pivoted into columns.
func telemetryQuery(bucket, signID string, window time.Duration, limit int) string {
	if window <= 0 {
		window = DefaultTelemetryWindow
	}
	window = min(window, MaxTelemetryWindow)
	if limit <= 0 {
		limit = DefaultTelemetryLimit
	}
	limit = min(limit, MaxTelemetryLimit)

	return fmt.Sprintf(`from(bucket: %s)
  |> range(start: -%ds)
  |> filter(fn: (r) => r._measurement == %s and r.sign_id == %s)
  |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> group()
  |> sort(columns: ["_time"], desc: true)
  |> limit(n: %d)`,
		fluxString(bucket),
		int64(window/time.Second),
		fluxString(MeasurementSignTelemetry),
		fluxString(signID),
		limit,
	)
}

var fluxEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`)

// fluxString quotes s as a Flux string literal. "$" is escaped so ids
// cannot start an interpolation.
func fluxString(s string) string {
	return `"` + fluxEscaper.Replace(s) + `"`
}

func sampleFromValues(ts time.Time, values map[string]any) TelemetrySample {
	status, _ := values["status"].(string)
	return TelemetrySample{
		Time:      ts,
		Status:    status,
		Heading:   intValue(values["heading"]),
		Mode:      intValue(values["mode"]),
		Battery:   intValue(values["battery"]),
		Signal:    intValue(values["signal"]),
		Latitude:  floatValue(values["latitude"]),
		Longitude: floatValue(values["longitude"]),
	}
}

func intValue(v any) *int {
	var n int
	switch x := v.(type) {
	case int64:
		n = int(x)
	case uint64:
		n = int(x) //nolint:gosec // stored values are small
	case float64:
		n = int(x)
	default:
		return nil
	}
	return &n
}

func floatValue(v any) *float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int64:
		f = float64(x)
	default:
		return nil
	}
	return &f
}
