package presence

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/natsserver"
	"github.com/loqalabs/loqa-listen/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistryAnnouncesAndTracksPeers(t *testing.T) {
	client := startBus(t)
	var capturing atomic.Bool
	status := func() (string, bool, bool) { return "idle", capturing.Load(), true }

	reg, err := NewRegistry(context.Background(), config.NodeConfig{ID: "node-a", HeartbeatInterval: 50, HeartbeatTimeout: 500}, client, status, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(reg.Close)

	if !reg.Healthy() {
		t.Fatal("registry should be healthy after announcing")
	}

	peer := protocol.Presence{NodeID: "node-b", State: "capturing", Capturing: true, Available: true, Timestamp: time.Now().UTC()}
	payload, _ := json.Marshal(peer)
	if err := client.Conn().Publish(protocol.SubjectPresencePrefix+".node-b", payload); err != nil {
		t.Fatalf("publish peer: %v", err)
	}
	waitFor(t, func() bool { return len(reg.Query(Capturing)) == 1 })

	capturing.Store(true)
	if err := reg.Announce(); err != nil {
		t.Fatalf("announce: %v", err)
	}
	waitFor(t, func() bool { return len(reg.Query(Capturing)) == 2 })
	if total, active := reg.snapshotCounts(); total != 2 || active != 2 {
		t.Fatalf("counts = %d/%d", total, active)
	}
}

func TestEvaluateHealthExpiresSilentPeers(t *testing.T) {
	r := &Registry{cfg: config.NodeConfig{ID: "self", HeartbeatTimeout: 1000}, listeners: map[string]*Listener{}, now: time.Now}
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r.update(protocol.Presence{NodeID: "self", Timestamp: base})
	r.update(protocol.Presence{NodeID: "peer", Capturing: true, Timestamp: base.Add(-5 * time.Second)})

	r.now = func() time.Time { return base.Add(500 * time.Millisecond) }
	r.evaluateHealth()
	if !r.Healthy() {
		t.Fatal("self should still be healthy")
	}
	if got := r.Query(Capturing); len(got) != 0 {
		t.Fatalf("silent peer still counted as capturing: %+v", got)
	}

	r.update(protocol.Presence{NodeID: "self", State: "stale", Timestamp: base.Add(-time.Minute)})
	if got := r.Query(func(l Listener) bool { return l.ID == "self" }); got[0].State == "stale" {
		t.Fatal("older heartbeat overwrote newer state")
	}
}
