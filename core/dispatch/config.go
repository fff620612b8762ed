package dispatch

import (
	"fmt"
	"math"
	"time"

	"github.com/kilianp07/dronefleet/core/geo"
	"github.com/kilianp07/dronefleet/core/model"
)

// Config holds the dispatch and flight-timing parameters.
type Config struct {
	// AssignMode selects AUTO (poller-driven) or MANUAL dispatch.
	AssignMode string `json:"assign_mode"`
	// GPSTickSec is the simulation tick interval.
	GPSTickSec int `json:"gps_tick_sec"`
	// DwellSec is the hover time over the customer before completion.
	DwellSec int `json:"dwell_sec"`
	// PollDelaySec is the fixed delay between auto-assign poller runs.
	PollDelaySec int `json:"poll_delay_sec"`
	// DispatchRadiusKm bounds the drone-to-store distance for candidates.
	DispatchRadiusKm float64 `json:"dispatch_radius_km"`
	// PathFactor inflates straight-line distance to approximate real routes.
	PathFactor float64 `json:"path_factor"`
	// AirSpeedKmh is the assumed cruise speed, clamped into
	// [AirSpeedMinKmh, AirSpeedMaxKmh] before use.
	AirSpeedKmh    float64 `json:"air_speed_kmh"`
	AirSpeedMinKmh float64 `json:"air_speed_min_kmh"`
	AirSpeedMaxKmh float64 `json:"air_speed_max_kmh"`
	// LaunchOverheadSec covers pre-flight checks and takeoff.
	LaunchOverheadSec int `json:"launch_overhead_sec"`
	// QueueDelaySec models time spent waiting for a launch slot.
	QueueDelaySec int `json:"queue_delay_sec"`
	// LegDurationSec fixes simulated flight time per segment name.
	LegDurationSec map[string]int `json:"leg_duration_sec"`
}

// SetDefaults fills unset fields with the standard operating profile.
func (c *Config) SetDefaults() {
	if c.AssignMode == "" {
		c.AssignMode = string(model.AssignmentAuto)
	}
	if c.GPSTickSec <= 0 {
		c.GPSTickSec = 5
	}
	if c.DwellSec <= 0 {
		c.DwellSec = 10
	}
	if c.PollDelaySec <= 0 {
		c.PollDelaySec = 5
	}
	if c.DispatchRadiusKm <= 0 {
		c.DispatchRadiusKm = 10
	}
	if c.PathFactor <= 0 {
		c.PathFactor = 1.10
	}
	if c.AirSpeedKmh <= 0 {
		c.AirSpeedKmh = 30
	}
	if c.AirSpeedMinKmh <= 0 {
		c.AirSpeedMinKmh = 5
	}
	if c.AirSpeedMaxKmh <= 0 {
		c.AirSpeedMaxKmh = 60
	}
	if c.LaunchOverheadSec <= 0 {
		c.LaunchOverheadSec = 60
	}
	if c.LegDurationSec == nil {
		c.LegDurationSec = map[string]int{
			string(model.SegmentToStore):    90,
			string(model.SegmentToCustomer): 240,
			string(model.SegmentReturn):     120,
		}
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if c.AssignMode != string(model.AssignmentAuto) && c.AssignMode != string(model.AssignmentManual) {
		return fmt.Errorf("assign_mode must be AUTO or MANUAL, got %q", c.AssignMode)
	}
	if c.AirSpeedMinKmh > c.AirSpeedMaxKmh {
		return fmt.Errorf("air speed bounds inverted: min %.1f > max %.1f", c.AirSpeedMinKmh, c.AirSpeedMaxKmh)
	}
	return nil
}

// AutoMode reports whether the poller should drive dispatch.
func (c Config) AutoMode() bool { return c.AssignMode == string(model.AssignmentAuto) }

// TickInterval returns the simulation tick as a duration.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.GPSTickSec) * time.Second
}

// LegDuration returns the simulated duration of seg. DWELL uses DwellSec;
// unknown legs fall back to one minute, never less than a second.
func (c Config) LegDuration(seg model.Segment) time.Duration {
	if seg == model.SegmentDwell {
		return time.Duration(c.DwellSec) * time.Second
	}
	sec, ok := c.LegDurationSec[string(seg)]
	if !ok {
		sec = 60
	}
	if sec < 1 {
		sec = 1
	}
	return time.Duration(sec) * time.Second
}

// DwellTicks returns how many ticks the dwell phase lasts, at least one.
func (c Config) DwellTicks() int {
	ticks := int(math.Ceil(float64(c.DwellSec) / float64(c.GPSTickSec)))
	if ticks < 1 {
		ticks = 1
	}
	return ticks
}

// InitialETASeconds is the ETA stamped on a freshly dispatched delivery:
// both flight legs plus the dwell over the customer.
func (c Config) InitialETASeconds() int {
	return int(c.LegDuration(model.SegmentToStore)/time.Second) +
		int(c.LegDuration(model.SegmentToCustomer)/time.Second) +
		c.DwellSec
}

// EstimateETASeconds predicts delivery time for a store-to-destination
// distance. The cruise speed is clamped into its configured bounds.
func (c Config) EstimateETASeconds(storeToDestKm float64) int {
	speed := geo.Clamp(c.AirSpeedKmh, c.AirSpeedMinKmh, c.AirSpeedMaxKmh)
	flightSec := storeToDestKm * c.PathFactor / speed * 3600
	return c.QueueDelaySec + c.LaunchOverheadSec + int(math.Round(flightSec))
}
