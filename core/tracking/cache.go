package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/kilianp07/dronefleet/core/model"
)

// DronePosition is the cached last-known position of a drone.
type DronePosition struct {
	DroneID    string    `json:"drone_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	BatteryPct float64   `json:"battery_pct"`
	Timestamp  time.Time `json:"ts"`
}

// DeliveryProgress is the cached last-known progress of a delivery.
type DeliveryProgress struct {
	DeliveryID string               `json:"delivery_id"`
	Segment    model.Segment        `json:"segment"`
	ETASeconds int                  `json:"eta_seconds"`
	Status     model.DeliveryStatus `json:"status"`
	Timestamp  time.Time            `json:"ts"`
}

// PositionCache holds eventually-consistent read-side snapshots. It is
// never authoritative; persisted state wins on conflict.
type PositionCache interface {
	SetPosition(ctx context.Context, pos DronePosition) error
	Position(ctx context.Context, droneID string) (DronePosition, bool, error)
	SetProgress(ctx context.Context, prog DeliveryProgress) error
	Progress(ctx context.Context, deliveryID string) (DeliveryProgress, bool, error)
}

// MemoryCache is the default in-process PositionCache.
type MemoryCache struct {
	mu        sync.RWMutex
	positions map[string]DronePosition
	progress  map[string]DeliveryProgress
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		positions: map[string]DronePosition{},
		progress:  map[string]DeliveryProgress{},
	}
}

func (c *MemoryCache) SetPosition(_ context.Context, pos DronePosition) error {
	c.mu.Lock()
	c.positions[pos.DroneID] = pos
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Position(_ context.Context, droneID string) (DronePosition, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pos, ok := c.positions[droneID]
	return pos, ok, nil
}

func (c *MemoryCache) SetProgress(_ context.Context, prog DeliveryProgress) error {
	c.mu.Lock()
	c.progress[prog.DeliveryID] = prog
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Progress(_ context.Context, deliveryID string) (DeliveryProgress, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	prog, ok := c.progress[deliveryID]
	return prog, ok, nil
}
