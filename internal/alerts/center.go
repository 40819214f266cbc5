package alerts

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/avelkov/vigil/internal/realtime"
)

// Notification is one surfaced alert. It disappears when dismissed, when its
// TTL elapses, or when the surface cap evicts it.
type Notification struct {
	ID         string             `json:"id"`
	EventID    string             `json:"eventId"`
	StreamKey  string             `json:"streamKey"`
	Severity   string             `json:"severity"`
	Confidence float64            `json:"confidence"`
	Kind       realtime.AlertKind `json:"kind"`
	SurfacedAt time.Time          `json:"surfacedAt"`
	ExpiresAt  time.Time          `json:"expiresAt"`
}

type Config struct {
	TTL         time.Duration // notification lifetime, default 1m
	DedupWindow time.Duration // replay suppression window, default 5m
	MaxSurfaced int           // concurrent notification cap, default 5
}

func (c *Config) applyDefaults() {
	if c.TTL == 0 {
		c.TTL = time.Minute
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = 5 * time.Minute
	}
	if c.MaxSurfaced == 0 {
		c.MaxSurfaced = 5
	}
}

// Center turns lifecycle alert messages into deduplicated, expiring
// notifications. A reconnect-triggered replay of recent alerts lands in the
// dedup window and surfaces nothing new.
type Center struct {
	cfg  Config
	seen *cache.Cache

	mu    sync.Mutex
	items []Notification // oldest first
}

func NewCenter(cfg Config) *Center {
	cfg.applyDefaults()
	return &Center{
		cfg:  cfg,
		seen: cache.New(cfg.DedupWindow, cfg.DedupWindow),
	}
}

// Handle is registered as a channel manager handler; it ignores everything
// that is not a lifecycle alert.
func (c *Center) Handle(msg realtime.Message) {
	if !msg.IsLifecycleAlert() {
		return
	}

	alert, err := realtime.ParseAlert(msg)
	if err != nil {
		log.Printf("[ALERTS] dropping bad alert: %v", err)
		return
	}

	dedupKey := alert.EventID + "|" + string(alert.Kind)
	if err := c.seen.Add(dedupKey, struct{}{}, cache.DefaultExpiration); err != nil {
		// Already seen inside the window; a replayed alert surfaces once.
		return
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(now)
	if len(c.items) >= c.cfg.MaxSurfaced {
		c.items = c.items[len(c.items)-c.cfg.MaxSurfaced+1:]
	}

	c.items = append(c.items, Notification{
		ID:         uuid.New().String(),
		EventID:    alert.EventID,
		StreamKey:  alert.StreamKey,
		Severity:   alert.Severity,
		Confidence: alert.Confidence,
		Kind:       alert.Kind,
		SurfacedAt: now,
		ExpiresAt:  now.Add(c.cfg.TTL),
	})
}

// Active returns the currently surfaced notifications, oldest first.
func (c *Center) Active() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(time.Now())
	out := make([]Notification, len(c.items))
	copy(out, c.items)
	return out
}

// Dismiss removes a surfaced notification by id.
func (c *Center) Dismiss(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, n := range c.items {
		if n.ID == id {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Center) pruneLocked(now time.Time) {
	kept := c.items[:0]
	for _, n := range c.items {
		if n.ExpiresAt.After(now) {
			kept = append(kept, n)
		}
	}
	c.items = kept
}
