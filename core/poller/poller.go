// Package poller periodically matches ready orders to idle drones when the
// fleet runs in AUTO mode.
package poller

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kilianp07/dronefleet/core/dispatch"
	"github.com/kilianp07/dronefleet/core/fleet"
	"github.com/kilianp07/dronefleet/core/model"
	"github.com/kilianp07/dronefleet/infra/logger"
)

// Assigner picks a drone for an order. dispatch.Dispatcher implements it.
type Assigner interface {
	AutoAssign(ctx context.Context, order model.Order) (*model.DroneAssignment, error)
}

// Launcher starts the flight for a fresh assignment. sim.Engine
// implements it.
type Launcher interface {
	Launch(ctx context.Context, order model.Order, asg model.DroneAssignment) error
}

// Poller drives auto-dispatch on a fixed delay. Runs never overlap: a
// cycle still in flight when the next delay fires makes that cycle a
// no-op rather than queueing up.
type Poller struct {
	cfg      dispatch.Config
	drones   fleet.DroneStore
	orders   fleet.OrderGateway
	assigner Assigner
	launcher Launcher
	log      logger.Logger

	inFlight atomic.Bool
}

// New wires a Poller. A nil logger falls back to a no-op.
func New(cfg dispatch.Config, drones fleet.DroneStore, orders fleet.OrderGateway, assigner Assigner, launcher Launcher, log logger.Logger) *Poller {
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Poller{
		cfg:      cfg,
		drones:   drones,
		orders:   orders,
		assigner: assigner,
		launcher: launcher,
		log:      log,
	}
}

// Run loops until the context is cancelled. The delay is fixed: it starts
// counting after each cycle completes.
func (p *Poller) Run(ctx context.Context) {
	delay := time.Duration(p.cfg.PollDelaySec) * time.Second
	timer := time.NewTimer(delay)
	defer timer.Stop()
	p.log.Infof("auto-assign poller running every %s", delay)
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.RunOnce(ctx)
			timer.Reset(delay)
		}
	}
}

// RunOnce performs a single dispatch cycle. It reads only as many ready
// orders, oldest first, as there are idle drones: an unpaid order inside
// that window is skipped but still consumes its slot until the next
// cycle. A nil assignment means the fleet is exhausted and ends the
// cycle early.
func (p *Poller) RunOnce(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.log.Debugf("dispatch cycle already in flight, skipping")
		return
	}
	defer p.inFlight.Store(false)

	idle, err := p.drones.DronesByStatus(ctx, model.DroneIdle)
	if err != nil {
		p.log.Errorf("idle drone query failed: %v", err)
		return
	}
	if len(idle) == 0 {
		return
	}
	ready, err := p.orders.ReadyOrders(ctx, len(idle))
	if err != nil {
		p.log.Errorf("ready order query failed: %v", err)
		return
	}

	assigned := 0
	for _, order := range ready {
		if !order.PaymentSettled {
			p.log.Debugf("order %s is unpaid, skipping", order.ID)
			continue
		}
		asg, err := p.assigner.AutoAssign(ctx, order)
		if err != nil {
			p.log.Errorf("dispatch for order %s failed: %v", order.ID, err)
			continue
		}
		if asg == nil {
			p.log.Debugf("no dispatchable drone left, ending cycle")
			break
		}
		if err := p.launcher.Launch(ctx, order, *asg); err != nil {
			p.log.Errorf("launch for order %s failed: %v", order.ID, err)
			continue
		}
		assigned++
	}
	if assigned > 0 {
		p.log.Infof("dispatch cycle assigned %d order(s)", assigned)
	}
}
