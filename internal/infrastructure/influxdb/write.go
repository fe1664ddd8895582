package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePointWithTime queues one point stamped with timestamp.
//
// The write is non-blocking; points are batched and flushed in the
// background. Points with no fields are skipped because InfluxDB rejects
// them, and nothing is queued after Close.
//
// Example:
//
//	client.WritePointWithTime("light_state",
//	    map[string]string{"address": "10.0.0.7"},
//	    map[string]any{"on": true, "brightness": int64(80)},
//	    dev.UpdatedAt)
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if len(fields) == 0 || !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}
