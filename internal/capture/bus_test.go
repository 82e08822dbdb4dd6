package capture

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/natsserver"
	"github.com/loqalabs/loqa-listen/internal/protocol"
)

func TestBusDeviceDeliversFrames(t *testing.T) {
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

	dev := NewBusDevice(client, "kitchen", 16000, 1, 8, newLogger())
	if err := dev.Configure(); err != nil {
		t.Fatalf("configure: %v", err)
	}
	format, _ := dev.Input()
	ch, err := dev.Arm(160, format)
	if err != nil {
		t.Fatalf("arm: %v", err)
	}
	if err := dev.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	publish := func(frame protocol.AudioFrame) {
		data, _ := json.Marshal(frame)
		if err := client.Conn().Publish(dev.Subject(), data); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	publish(protocol.AudioFrame{DeviceID: "kitchen", SampleRate: 8000, Channels: 1, PCM: make([]byte, 64)})
	publish(protocol.AudioFrame{DeviceID: "kitchen", SampleRate: 16000, Channels: 1, PCM: make([]byte, 320)})

	buf := receive(t, ch)
	if buf.Frames != 160 || buf.Format != format {
		t.Fatalf("unexpected buffer: frames=%d format=%+v", buf.Frames, buf.Format)
	}
	if !dev.IsArmed() {
		t.Fatal("device should report armed while subscribed")
	}

	dev.Disarm()
	drainClosed(t, ch)
	if dev.IsArmed() {
		t.Fatal("device still armed after disarm")
	}
	dev.Disarm()
}
