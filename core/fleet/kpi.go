package fleet

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/kilianp07/dronefleet/core/model"
)

// KPI summarizes completed delivery flights.
type KPI struct {
	Completed         int
	InProgress        int
	MeanDurationSec   float64
	StdDevDurationSec float64
	P95DurationSec    float64
	MeanInitialETASec float64
}

// ComputeKPI aggregates flight statistics over the given deliveries.
// Durations are measured from creation to last update of completed flights.
func ComputeKPI(deliveries []model.Delivery) KPI {
	var kpi KPI
	var durations, etas []float64
	for _, d := range deliveries {
		switch d.Status {
		case model.DeliveryInProgress:
			kpi.InProgress++
		case model.DeliveryCompleted:
			kpi.Completed++
			durations = append(durations, d.UpdatedAt.Sub(d.CreatedAt).Seconds())
			etas = append(etas, float64(d.ETASeconds))
		}
	}
	if len(durations) == 0 {
		return kpi
	}
	kpi.MeanDurationSec = stat.Mean(durations, nil)
	kpi.StdDevDurationSec = stat.StdDev(durations, nil)
	sort.Float64s(durations)
	kpi.P95DurationSec = stat.Quantile(0.95, stat.Empirical, durations, nil)
	kpi.MeanInitialETASec = stat.Mean(etas, nil)
	return kpi
}

// MeanDuration is MeanDurationSec as a time.Duration for log output.
func (k KPI) MeanDuration() time.Duration {
	return time.Duration(k.MeanDurationSec * float64(time.Second))
}
