// Package influxdb records sign telemetry in InfluxDB v2.
//
// It wraps influxdb-client-go's non-blocking write API. Every accepted
// status report becomes one point in the sign_telemetry measurement,
// tagged by sign so battery and signal history can be charted per sign.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	registry.SetTelemetrySink(client)
//
// Writes are batched per batch_size and flush_interval. Write failures
// arrive asynchronously through SetOnError; the registry never waits on
// InfluxDB.
package influxdb
