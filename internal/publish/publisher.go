// Package publish mirrors session lifecycle events onto the bus.
package publish

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/loqalabs/loqa-listen/internal/session"
)

// Publisher sends each session event to <prefix>.<kind>.
type Publisher struct {
	client *bus.Client
	nodeID string
	prefix string
	log    *slog.Logger
}

func New(client *bus.Client, nodeID, prefix string, log *slog.Logger) (*Publisher, error) {
	if client == nil {
		return nil, errors.New("publisher requires a bus client")
	}
	if prefix == "" {
		return nil, errors.New("publisher requires a subject prefix")
	}
	return &Publisher{
		client: client,
		nodeID: nodeID,
		prefix: prefix,
		log:    log.With(slog.String("component", "publisher")),
	}, nil
}

// Subject is the bus subject for kind.
func (p *Publisher) Subject(kind session.EventKind) string {
	return fmt.Sprintf("%s.%s", p.prefix, kind)
}

func (p *Publisher) Publish(ev session.Event) error {
	payload, err := json.Marshal(ToMessage(p.nodeID, ev))
	if err != nil {
		return fmt.Errorf("encode session event: %w", err)
	}
	if err := p.client.Conn().Publish(p.Subject(ev.Kind), payload); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	return nil
}

// ToMessage converts ev to its wire form.
func ToMessage(nodeID string, ev session.Event) protocol.SessionEvent {
	msg := protocol.SessionEvent{
		NodeID:    nodeID,
		SessionID: ev.SessionID,
		Kind:      ev.Kind.String(),
		Timestamp: ev.At.UTC(),
	}
	switch ev.Kind {
	case session.EventSpeechRecognized, session.EventSessionStopped:
		msg.Text = ev.Text
	case session.EventAvailabilityChanged:
		available := ev.Available
		msg.Available = &available
	}
	return msg
}
