// Package presence announces this listener on the bus and tracks the
// listeners it hears from.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Status reports what this node currently advertises.
type Status func() (state string, capturing, available bool)

type Listener struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Capturing bool      `json:"capturing"`
	Available bool      `json:"available"`
	LastSeen  time.Time `json:"last_seen"`
	Healthy   bool      `json:"healthy"`
}

type Registry struct {
	cfg    config.NodeConfig
	log    *slog.Logger
	bus    *bus.Client
	status Status
	now    func() time.Time

	mu        sync.RWMutex
	listeners map[string]*Listener
	cancel    context.CancelFunc
	sub       *nats.Subscription
	wg        sync.WaitGroup
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, status Status, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:       cfg,
		log:       log.With(slog.String("component", "presence")),
		bus:       busClient,
		status:    status,
		now:       time.Now,
		listeners: make(map[string]*Listener),
		cancel:    cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	sub, err := busClient.Conn().Subscribe(protocol.SubjectPresencePrefix+".*", r.handlePresence)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe presence: %w", err)
	}
	r.sub = sub

	r.wg.Add(1)
	go r.run(ctx)

	if err := r.Announce(); err != nil {
		r.log.Warn("failed to announce presence", slog.String("error", err.Error()))
	}
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	if r.sub != nil {
		_ = r.sub.Drain()
	}
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer heartbeat.Stop()
	health := time.NewTicker(time.Second)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.Announce(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		case <-health.C:
			r.evaluateHealth()
		}
	}
}

// Announce publishes the current status immediately. The runtime calls it on
// every session transition so peers do not wait for the next heartbeat.
func (r *Registry) Announce() error {
	state, capturing, available := r.status()
	msg := protocol.Presence{
		NodeID:    r.cfg.ID,
		State:     state,
		Capturing: capturing,
		Available: available,
		Timestamp: r.now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(fmt.Sprintf("%s.%s", protocol.SubjectPresencePrefix, r.cfg.ID), payload); err != nil {
		return err
	}
	r.update(msg)
	return nil
}

func (r *Registry) handlePresence(msg *nats.Msg) {
	var p protocol.Presence
	if err := json.Unmarshal(msg.Data, &p); err != nil {
		r.log.Warn("invalid presence message", slog.String("error", err.Error()))
		return
	}
	if p.NodeID == "" {
		return
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = r.now().UTC()
	}
	r.update(p)
}

func (r *Registry) update(p protocol.Presence) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.listeners[p.NodeID]
	if !ok {
		l = &Listener{ID: p.NodeID}
		r.listeners[p.NodeID] = l
	}
	if p.Timestamp.Before(l.LastSeen) {
		return
	}
	l.State = p.State
	l.Capturing = p.Capturing
	l.Available = p.Available
	l.LastSeen = p.Timestamp
	l.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.now()
	for _, l := range r.listeners {
		if now.Sub(l.LastSeen) > timeout {
			l.Healthy = false
		}
	}
}

// Healthy reports whether this node's own heartbeat is current.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.listeners[r.cfg.ID]
	return ok && l.Healthy
}

func (r *Registry) Query(filter func(Listener) bool) []Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []Listener
	for _, l := range r.listeners {
		copy := *l
		if filter == nil || filter(copy) {
			results = append(results, copy)
		}
	}
	return results
}

func Capturing(l Listener) bool { return l.Capturing && l.Healthy }

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-listen/presence")
	known, err := meter.Int64ObservableGauge("loqa.listen.listeners", metric.WithDescription("Listener nodes seen on the bus"))
	if err != nil {
		return err
	}
	capturing, err := meter.Int64ObservableGauge("loqa.listen.listeners_capturing", metric.WithDescription("Healthy listener nodes currently capturing"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		total, active := r.snapshotCounts()
		obs.ObserveInt64(known, total)
		obs.ObserveInt64(capturing, active)
		return nil
	}, known, capturing)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total, active int64
	for _, l := range r.listeners {
		total++
		if Capturing(*l) {
			active++
		}
	}
	return total, active
}
