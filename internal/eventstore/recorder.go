package eventstore

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/loqalabs/loqa-listen/internal/session"
)

// Recorder turns session lifecycle events into timeline rows.
type Recorder struct {
	store  *Store
	nodeID string
	policy string
	log    *slog.Logger
}

func NewRecorder(store *Store, nodeID string, policy session.Policy, log *slog.Logger) *Recorder {
	return &Recorder{store: store, nodeID: nodeID, policy: policy.String(), log: log.With(slog.String("component", "eventstore-recorder"))}
}

// Record persists ev. Events outside a session, such as the initial
// authorization, are skipped.
func (r *Recorder) Record(ctx context.Context, ev session.Event) error {
	if !r.store.Enabled() || ev.SessionID == "" {
		return nil
	}
	if ev.Kind == session.EventAudioEngineStart {
		if err := r.store.BeginSession(ctx, ev.SessionID, r.nodeID, r.policy); err != nil {
			return err
		}
	}
	entry := Event{SessionID: ev.SessionID, Kind: ev.Kind.String(), CreatedAt: ev.At.UTC()}
	if ev.Kind == session.EventAvailabilityChanged {
		entry.Detail = "available=" + strconv.FormatBool(ev.Available)
	}
	if err := r.store.AppendEvent(ctx, entry); err != nil {
		return err
	}
	switch ev.Kind {
	case session.EventAudioEngineStop:
		return r.store.EndSession(ctx, ev.SessionID, "capture_ended")
	case session.EventSessionStopped:
		return r.store.EndSession(ctx, ev.SessionID, "stopped")
	}
	return nil
}
