package cmd

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kilianp07/dronefleet/core/dispatch"
	"github.com/kilianp07/dronefleet/core/fleet"
	"github.com/kilianp07/dronefleet/core/geo"
	"github.com/kilianp07/dronefleet/core/model"
	"github.com/kilianp07/dronefleet/core/poller"
	"github.com/kilianp07/dronefleet/core/sim"
	"github.com/kilianp07/dronefleet/core/tracking"
	"github.com/kilianp07/dronefleet/infra/logger"
)

var (
	simDrones  int
	simOrders  int
	simTimeout time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run an accelerated in-memory fleet simulation and print KPIs",
	RunE:  runSimulate,
}

func init() {
	simulateCmd.Flags().IntVar(&simDrones, "drones", 3, "number of drones")
	simulateCmd.Flags().IntVar(&simOrders, "orders", 10, "number of ready orders")
	simulateCmd.Flags().DurationVar(&simTimeout, "timeout", 2*time.Minute, "give up after this long")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), simTimeout)
	defer cancel()

	// Short legs and a fast tick so a full flight takes about ten seconds.
	cfg := dispatch.Config{
		GPSTickSec:   1,
		DwellSec:     2,
		PollDelaySec: 1,
		LegDurationSec: map[string]int{
			string(model.SegmentToStore):    3,
			string(model.SegmentToCustomer): 5,
			string(model.SegmentReturn):     2,
		},
	}
	cfg.SetDefaults()
	tcfg := tracking.Config{}
	tcfg.SetDefaults()

	store := fleet.NewMemoryStore()
	orders := fleet.NewMemoryOrders()
	log := logger.New("simulate")
	broadcaster := tracking.NewBroadcaster(tcfg, store, nil, nil, log)
	dispatcher := dispatch.NewDispatcher(cfg, store, orders, broadcaster, nil, log)
	engine := sim.NewEngine(cfg, store, store, orders, dispatcher, broadcaster, nil, log)
	p := poller.New(cfg, store, orders, dispatcher, engine, log)

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	base := geo.Point{Lat: 10.77, Lng: 106.69}
	seedFleet(store, rng, base, simDrones)
	orderIDs := seedOrders(orders, rng, base, simOrders)

	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop()

	fmt.Printf("simulating %d orders on %d drones\n", simOrders, simDrones)
	ticker := time.NewTicker(time.Duration(cfg.PollDelaySec) * time.Second)
	defer ticker.Stop()
	for !allDelivered(ctx, orders, orderIDs) {
		select {
		case <-ctx.Done():
			fmt.Println("timed out before all orders were delivered")
			printKPI(ctx, store)
			return nil
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
	printKPI(ctx, store)
	return nil
}

func seedFleet(store *fleet.MemoryStore, rng *rand.Rand, base geo.Point, n int) {
	for i := 0; i < n; i++ {
		home := jitter(rng, base, 0.02)
		d := model.Drone{
			ID:         fmt.Sprintf("drone-%02d", i+1),
			Serial:     fmt.Sprintf("SN-%04d", rng.Intn(10000)),
			Model:      "SkyCourier X2",
			Status:     model.DroneIdle,
			Home:       &home,
			Current:    &home,
			BatteryPct: 100,
			CreatedAt:  time.Now(),
		}
		_ = store.SaveDrone(context.Background(), d)
	}
}

func seedOrders(orders *fleet.MemoryOrders, rng *rand.Rand, base geo.Point, n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		storePt := jitter(rng, base, 0.03)
		destPt := jitter(rng, base, 0.05)
		id := uuid.NewString()
		orders.Put(model.Order{
			ID:             id,
			StoreID:        fmt.Sprintf("store-%d", i%3+1),
			Store:          &storePt,
			Destination:    &destPt,
			Status:         model.OrderReadyForDelivery,
			PaymentSettled: true,
			CreatedAt:      time.Now().Add(time.Duration(i) * time.Millisecond),
		})
		ids = append(ids, id)
	}
	return ids
}

func jitter(rng *rand.Rand, p geo.Point, spread float64) geo.Point {
	return geo.Point{
		Lat: p.Lat + (rng.Float64()-0.5)*spread,
		Lng: p.Lng + (rng.Float64()-0.5)*spread,
	}
}

func allDelivered(ctx context.Context, orders *fleet.MemoryOrders, ids []string) bool {
	for _, id := range ids {
		o, err := orders.Order(ctx, id)
		if err != nil || o.Status != model.OrderDelivered {
			return false
		}
	}
	return true
}

func printKPI(ctx context.Context, store *fleet.MemoryStore) {
	deliveries, err := store.Deliveries(ctx)
	if err != nil {
		fmt.Printf("kpi: %v\n", err)
		return
	}
	kpi := fleet.ComputeKPI(deliveries)
	fmt.Printf("completed:      %d\n", kpi.Completed)
	fmt.Printf("in progress:    %d\n", kpi.InProgress)
	fmt.Printf("mean duration:  %.1fs\n", kpi.MeanDurationSec)
	fmt.Printf("stddev:         %.1fs\n", kpi.StdDevDurationSec)
	fmt.Printf("p95 duration:   %.1fs\n", kpi.P95DurationSec)
}
