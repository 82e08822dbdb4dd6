// Package permission gates microphone access behind a one-shot authorization
// answer from an external subsystem.
package permission

import (
	"log/slog"
	"sync"
)

// Status is the microphone authorization state.
type Status int

const (
	Undetermined Status = iota
	Authorized
	Denied
	Restricted
)

func (s Status) String() string {
	switch s {
	case Authorized:
		return "authorized"
	case Denied:
		return "denied"
	case Restricted:
		return "restricted"
	default:
		return "undetermined"
	}
}

// Authorizer is the external authorization subsystem. It must invoke the
// callback once, from any goroutine, with a status other than Undetermined.
type Authorizer interface {
	RequestAuthorization(func(Status))
}

// Gate caches the answer of a single authorization request.
//
// There is no timeout: if the Authorizer never answers, Status stays
// Undetermined for the lifetime of the gate.
type Gate struct {
	auth   Authorizer
	log    *slog.Logger
	mu     sync.RWMutex
	status Status
	once   sync.Once
}

func NewGate(auth Authorizer, log *slog.Logger) *Gate {
	return &Gate{
		auth: auth,
		log:  log.With(slog.String("component", "permission")),
	}
}

// Request asks the Authorizer for a status. Only the first call reaches the
// Authorizer; later calls are ignored. The callback fires at most once even if
// the Authorizer misbehaves and answers twice.
func (g *Gate) Request(callback func(Status)) {
	g.once.Do(func() {
		var answered sync.Once
		g.auth.RequestAuthorization(func(status Status) {
			answered.Do(func() {
				g.mu.Lock()
				g.status = status
				g.mu.Unlock()
				g.log.Info("authorization answered", slog.String("status", status.String()))
				if callback != nil {
					callback(status)
				}
			})
		})
	})
}

// Status returns the cached authorization status.
func (g *Gate) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status
}
