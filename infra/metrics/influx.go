package metrics

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/kilianp07/dronefleet/core/metrics"
	"github.com/kilianp07/dronefleet/infra/logger"
)

// InfluxSink writes fleet activity to an InfluxDB instance using the
// official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a sink for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	client := influxdb2.NewClientWithOptions(url, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback pings the InfluxDB instance and returns a
// NopSink if the health check fails, so a missing InfluxDB never blocks
// the fleet.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.Sink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// Close releases the underlying client.
func (s *InfluxSink) Close() { s.client.Close() }

// RecordAssignment writes the dispatch decision as a measurement point.
func (s *InfluxSink) RecordAssignment(rec coremetrics.AssignmentRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("assignment_event").
		AddTag("drone_id", rec.DroneID).
		AddTag("order_id", rec.OrderID).
		AddTag("mode", string(rec.Mode)).
		AddTag("fallback", strconv.FormatBool(rec.Fallback)).
		AddField("distance_to_store_km", round3(rec.DistanceToStoreKm)).
		AddField("eta_seconds", rec.ETASeconds).
		SetTime(rec.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordTick writes the drone position snapshot of one simulation tick.
func (s *InfluxSink) RecordTick(rec coremetrics.TickRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("drone_position").
		AddTag("drone_id", rec.DroneID).
		AddTag("delivery_id", rec.DeliveryID).
		AddTag("segment", string(rec.Segment)).
		AddField("lat", rec.Lat).
		AddField("lng", rec.Lng).
		AddField("eta_seconds", rec.ETASeconds).
		SetTime(rec.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordCompletion writes the finished delivery.
func (s *InfluxSink) RecordCompletion(rec coremetrics.CompletionRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("delivery_completed").
		AddTag("drone_id", rec.DroneID).
		AddTag("delivery_id", rec.DeliveryID).
		AddTag("order_id", rec.OrderID).
		AddField("duration_seconds", round3(rec.Duration.Seconds())).
		SetTime(rec.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
