// Package influxdb provides InfluxDB connectivity for the gateway.
//
// It wraps the official influxdb-client-go v2 library to record the history
// of every light's state. Each registry update becomes one point in the
// light_state measurement, tagged by device address.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WritePointWithTime("light_state", tags, fields, dev.UpdatedAt)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write errors arrive asynchronously and are delivered to the SetOnError
// callback. Connection and health check errors are returned directly.
// Close sends whatever is still buffered.
package influxdb
