package publish

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/natsserver"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/loqalabs/loqa-listen/internal/session"
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

func TestPublishSessionEvent(t *testing.T) {
	client := startBus(t)
	pub, err := New(client, "node-a", "listen.event", newLogger())
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}

	sub, err := client.Conn().SubscribeSync("listen.event.>")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	ev := session.Event{Kind: session.EventSpeechRecognized, SessionID: "s1", Text: "hello world", At: time.Now()}
	if err := pub.Publish(ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	if msg.Subject != "listen.event.speech_recognized" {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	var got protocol.SessionEvent
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.NodeID != "node-a" || got.SessionID != "s1" || got.Text != "hello world" || got.Available != nil {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestToMessageFields(t *testing.T) {
	msg := ToMessage("n", session.Event{Kind: session.EventAvailabilityChanged, Available: false, Text: "ignored"})
	if msg.Available == nil || *msg.Available || msg.Text != "" {
		t.Fatalf("unexpected availability message: %+v", msg)
	}
	msg = ToMessage("n", session.Event{Kind: session.EventTaskCancelled, Text: "ignored"})
	if msg.Kind != "task_cancelled" || msg.Text != "" || msg.Available != nil {
		t.Fatalf("unexpected cancel message: %+v", msg)
	}
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(nil, "n", "listen.event", newLogger()); err == nil {
		t.Fatal("expected error without client")
	}
}
