package permission

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type chattyAuthorizer struct {
	calls atomic.Int32
}

func (a *chattyAuthorizer) RequestAuthorization(callback func(Status)) {
	a.calls.Add(1)
	callback(Authorized)
	callback(Denied)
}

type silentAuthorizer struct{}

func (silentAuthorizer) RequestAuthorization(func(Status)) {}

func waitStatus(t *testing.T, ch <-chan Status) Status {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for authorization callback")
		return Undetermined
	}
}

func TestGateCachesStatus(t *testing.T) {
	gate := NewGate(NewStaticAuthorizer(Denied), newLogger())
	if gate.Status() != Undetermined {
		t.Fatalf("expected undetermined before request, got %v", gate.Status())
	}
	got := make(chan Status, 1)
	gate.Request(func(s Status) { got <- s })
	if s := waitStatus(t, got); s != Denied {
		t.Fatalf("expected denied, got %v", s)
	}
	if gate.Status() != Denied {
		t.Fatalf("expected cached denied, got %v", gate.Status())
	}
}

func TestGateFiresOnce(t *testing.T) {
	auth := &chattyAuthorizer{}
	gate := NewGate(auth, newLogger())
	var fired atomic.Int32
	gate.Request(func(Status) { fired.Add(1) })
	gate.Request(func(Status) { fired.Add(1) })

	if auth.calls.Load() != 1 {
		t.Fatalf("expected one authorizer request, got %d", auth.calls.Load())
	}
	if fired.Load() != 1 {
		t.Fatalf("expected callback once, got %d", fired.Load())
	}
	if gate.Status() != Authorized {
		t.Fatalf("expected first answer to win, got %v", gate.Status())
	}
}

func TestGateWithoutAnswerStaysUndetermined(t *testing.T) {
	gate := NewGate(silentAuthorizer{}, newLogger())
	gate.Request(func(Status) { t.Error("unexpected callback") })
	if gate.Status() != Undetermined {
		t.Fatalf("expected undetermined, got %v", gate.Status())
	}
}

func TestPromptAuthorizer(t *testing.T) {
	cases := []struct {
		input string
		want  Status
	}{
		{"y\n", Authorized},
		{"YES\n", Authorized},
		{"n\n", Denied},
		{"\n", Denied},
		{"", Restricted},
	}
	for _, tc := range cases {
		var out bytes.Buffer
		auth := NewPromptAuthorizer(strings.NewReader(tc.input), &out)
		got := make(chan Status, 1)
		auth.RequestAuthorization(func(s Status) { got <- s })
		if s := waitStatus(t, got); s != tc.want {
			t.Fatalf("input %q: expected %v, got %v", tc.input, tc.want, s)
		}
	}
}

func TestFromMode(t *testing.T) {
	if _, err := FromMode("bogus", nil, nil); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	auth, err := FromMode("restrict", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := make(chan Status, 1)
	auth.RequestAuthorization(func(s Status) { got <- s })
	if s := waitStatus(t, got); s != Restricted {
		t.Fatalf("expected restricted, got %v", s)
	}
}
