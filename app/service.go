// Package app wires the fleet service together from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/kilianp07/dronefleet/config"
	"github.com/kilianp07/dronefleet/core/dispatch"
	"github.com/kilianp07/dronefleet/core/fleet"
	coremetrics "github.com/kilianp07/dronefleet/core/metrics"
	"github.com/kilianp07/dronefleet/core/poller"
	"github.com/kilianp07/dronefleet/core/realtime"
	"github.com/kilianp07/dronefleet/core/sim"
	"github.com/kilianp07/dronefleet/core/tracking"
	"github.com/kilianp07/dronefleet/infra/cache"
	"github.com/kilianp07/dronefleet/infra/logger"
	"github.com/kilianp07/dronefleet/infra/metrics"
	"github.com/kilianp07/dronefleet/infra/mqtt"
	"github.com/kilianp07/dronefleet/infra/storage"
)

// Service orchestrates the dispatcher, simulation engine, poller and
// tracking broadcaster.
type Service struct {
	Store       *fleet.MemoryStore
	Orders      *fleet.MemoryOrders
	Dispatcher  *dispatch.Dispatcher
	Engine      *sim.Engine
	Poller      *poller.Poller
	Broadcaster *tracking.Broadcaster

	cfg       *config.Config
	log       logger.Logger
	publisher *mqtt.Publisher
	events    *storage.SQLiteEventStore
	redis     *cache.RedisCache
}

// New creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	logg := logger.New("service")
	if err := logger.SetGlobalLevel(cfg.Logging.Level); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	svc := &Service{cfg: cfg, log: logg}
	svc.Store = fleet.NewMemoryStore()
	svc.Orders = fleet.NewMemoryOrders()

	var sink realtime.Sink = realtime.NopSink{}
	if cfg.MQTT.Broker != "" {
		pub, err := mqtt.NewPublisher(cfg.MQTT)
		if err != nil {
			return nil, fmt.Errorf("mqtt publisher: %w", err)
		}
		svc.publisher = pub
		sink = pub
	} else {
		logg.Warnf("no mqtt broker configured, real-time updates are discarded")
	}

	var sinks []coremetrics.Sink
	if cfg.Metrics.PrometheusEnabled {
		promSink, err := metrics.NewPromSink()
		if err != nil {
			return nil, fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, promSink)
	}
	if cfg.Metrics.InfluxEnabled {
		sinks = append(sinks, metrics.NewInfluxSinkWithFallback(
			cfg.Metrics.InfluxURL, cfg.Metrics.InfluxToken, cfg.Metrics.InfluxOrg, cfg.Metrics.InfluxBucket))
	}
	var metricsSink coremetrics.Sink = coremetrics.NopSink{}
	if len(sinks) == 1 {
		metricsSink = sinks[0]
	} else if len(sinks) > 1 {
		metricsSink = metrics.NewMultiSink(sinks...)
	}

	var events fleet.EventStore = svc.Store
	if cfg.Storage.EventsPath != "" {
		sqlStore, err := storage.NewSQLiteEventStore(cfg.Storage.EventsPath)
		if err != nil {
			return nil, fmt.Errorf("event store: %w", err)
		}
		svc.events = sqlStore
		events = sqlStore
	}

	var posCache tracking.PositionCache
	if cfg.Cache.RedisEnabled {
		redisCache, err := cache.NewRedisCache(context.Background(), cfg.Cache.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis cache: %w", err)
		}
		svc.redis = redisCache
		posCache = redisCache
	}

	svc.Broadcaster = tracking.NewBroadcaster(cfg.Tracking, svc.Store, sink, posCache, logger.New("tracking"))
	svc.Dispatcher = dispatch.NewDispatcher(cfg.Dispatch, svc.Store, svc.Orders, svc.Broadcaster, metricsSink, logger.New("dispatch"))
	svc.Engine = sim.NewEngine(cfg.Dispatch, svc.Store, events, svc.Orders, svc.Dispatcher, svc.Broadcaster, metricsSink, logger.New("sim"))
	svc.Poller = poller.New(cfg.Dispatch, svc.Store, svc.Orders, svc.Dispatcher, svc.Engine, logger.New("poller"))
	return svc, nil
}

// Run starts the service and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Engine.Start(ctx); err != nil {
		return fmt.Errorf("engine start: %w", err)
	}
	if s.cfg.Dispatch.AutoMode() {
		go s.Poller.Run(ctx)
	} else {
		s.log.Infof("manual assign mode, poller disabled")
	}
	if s.cfg.Metrics.PrometheusEnabled {
		go func() {
			addr := ":" + s.cfg.Metrics.PrometheusPort
			if err := metrics.StartPromServer(ctx, addr); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}
	go s.logEngineEvents(ctx)
	<-ctx.Done()
	return nil
}

func (s *Service) logEngineEvents(ctx context.Context) {
	sub := s.Engine.Events().Subscribe()
	defer s.Engine.Events().Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			s.log.Debugw("delivery event", map[string]any{
				"type":        ev.Type,
				"delivery_id": ev.DeliveryID,
				"order_id":    ev.OrderID,
				"drone_id":    ev.DroneID,
			})
		}
	}
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	s.Engine.Stop()
	s.Engine.Events().Close()
	if s.publisher != nil {
		s.publisher.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.log.Errorf("redis close: %v", err)
		}
	}
	if s.events != nil {
		return s.events.Close()
	}
	return nil
}
