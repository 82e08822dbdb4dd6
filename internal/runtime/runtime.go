// Package runtime wires configuration into a running listener node: bus,
// event store, capture device, recognition engine, session manager and the
// HTTP surface.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/capture"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/eventstore"
	"github.com/loqalabs/loqa-listen/internal/natsserver"
	"github.com/loqalabs/loqa-listen/internal/permission"
	"github.com/loqalabs/loqa-listen/internal/presence"
	"github.com/loqalabs/loqa-listen/internal/publish"
	"github.com/loqalabs/loqa-listen/internal/session"
	"github.com/loqalabs/loqa-listen/internal/stt"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	stdin  io.Reader
	stdout io.Writer

	ready atomic.Bool
	addr  atomic.Value

	nats      *natsserver.EmbeddedServer
	busClient *bus.Client
	store     *eventstore.Store
	recorder  *eventstore.Recorder
	publisher *publish.Publisher
	presence  atomic.Pointer[presence.Registry]
	engine    *stt.StreamingEngine
	manager   *session.Manager
	hub       *hub
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
		stdin:  os.Stdin,
		stdout: os.Stderr,
	}
}

// Ready reports whether Start finished wiring and the HTTP listener is up.
func (r *Runtime) Ready() bool { return r.ready.Load() }

// Addr is the bound HTTP address once the runtime is ready.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

// Start runs the node until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) (err error) {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if terr := shutdownTelemetry(shutdownCtx); terr != nil {
			r.logger.Error("telemetry shutdown error", slogError(terr))
		}
	}()

	defer r.teardown()
	if err := r.build(ctx); err != nil {
		return err
	}

	api := &api{
		manager:   r.manager,
		available: r.engine.Available,
		ready:     r.ready.Load,
		hub:       r.hub,
		log:       r.logger.With(slog.String("component", "http")),
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	httpServer := &http.Server{
		Handler:           api.routes(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	servers := []*http.Server{httpServer}
	listeners := []net.Listener{listener}

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		metricsListener, err := net.Listen("tcp", bind)
		if err != nil {
			listener.Close()
			return fmt.Errorf("listen metrics %s: %w", bind, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		servers = append(servers, &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second})
		listeners = append(listeners, metricsListener)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range servers {
		srv, ln := servers[i], listeners[i]
		g.Go(func() error { return serve(srv, ln) })
	}

	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		r.hub.close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	r.addr.Store(listener.Addr().String())
	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", listener.Addr().String()),
		slog.String("policy", r.manager.Policy().String()),
		slog.String("capture", r.cfg.Capture.Device),
		slog.String("recognition", r.cfg.Recognition.Mode))

	return g.Wait()
}

func serve(srv *http.Server, listener net.Listener) error {
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// build wires every collaborator. Anything it opens is released by teardown,
// including on partial failure.
func (r *Runtime) build(ctx context.Context) error {
	cfg := r.cfg
	policy, err := session.ParsePolicy(cfg.Recognition.Policy)
	if err != nil {
		return err
	}

	if cfg.Bus.Enabled {
		r.nats, err = natsserver.Start(cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		if r.nats != nil {
			cfg.Bus.Servers = []string{r.nats.ClientURL()}
		}
		r.busClient, err = bus.Connect(ctx, cfg.Bus, r.logger)
		if err != nil {
			return err
		}
		r.publisher, err = publish.New(r.busClient, cfg.Node.ID, cfg.Bus.EventPrefix, r.logger)
		if err != nil {
			return err
		}
	}

	r.store, err = eventstore.Open(ctx, cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.recorder = eventstore.NewRecorder(r.store, cfg.Node.ID, policy, r.logger)

	authorizer, err := permission.FromMode(cfg.Permission.Mode, r.stdin, r.stdout)
	if err != nil {
		return err
	}
	gate := permission.NewGate(authorizer, r.logger)

	device, err := capture.FromConfig(cfg.Capture, r.busClient, r.logger)
	if err != nil {
		return fmt.Errorf("capture device: %w", err)
	}

	recognizer, err := stt.NewRecognizer(cfg.Recognition, r.busClient)
	if err != nil {
		return fmt.Errorf("recognizer: %w", err)
	}
	r.engine = stt.NewStreamingEngine(context.WithoutCancel(ctx), recognizer,
		time.Duration(cfg.Recognition.PartialEveryMS)*time.Millisecond, r.logger)
	if cfg.Recognition.Mode == "bus" {
		r.busClient.OnConnectionChange(r.engine.SetAvailable)
	}

	r.hub = newHub(r.logger)
	r.manager = session.New(
		session.Config{
			Policy:          policy,
			BufferFrames:    cfg.Capture.BufferFrames,
			DisablePartials: cfg.Recognition.PartialEveryMS <= 0,
		},
		session.Deps{Auth: gate, Device: device, Engine: r.engine},
		func() { r.logger.Info("speech recognition authorized") },
		r.dispatch,
		r.logger,
	)

	if r.busClient != nil {
		reg, err := presence.NewRegistry(ctx, cfg.Node, r.busClient, r.presenceStatus, r.logger)
		if err != nil {
			return err
		}
		r.presence.Store(reg)
	}
	return nil
}

// dispatch fans one session event out to every sink. It runs on the session
// notifier goroutine, so sinks see events in order.
func (r *Runtime) dispatch(ev session.Event) {
	msg := publish.ToMessage(r.cfg.Node.ID, ev)
	r.hub.broadcast(msg)

	if err := r.recorder.Record(context.Background(), ev); err != nil {
		r.logger.Warn("failed to record session event", slog.String("kind", ev.Kind.String()), slogError(err))
	}
	if r.publisher != nil {
		if err := r.publisher.Publish(ev); err != nil {
			r.logger.Warn("failed to publish session event", slog.String("kind", ev.Kind.String()), slogError(err))
		}
	}
	if reg := r.presence.Load(); reg != nil {
		if err := reg.Announce(); err != nil {
			r.logger.Warn("failed to announce presence", slogError(err))
		}
	}
}

func (r *Runtime) presenceStatus() (string, bool, bool) {
	snap := r.manager.Snapshot()
	return snap.State.String(), snap.Capturing, r.engine.Available()
}

func (r *Runtime) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if reg := r.presence.Load(); reg != nil {
		reg.Close()
	}
	if r.manager != nil {
		if err := r.manager.Close(ctx); err != nil && !errors.Is(err, session.ErrClosed) {
			r.logger.Error("session manager shutdown error", slogError(err))
		}
	}
	if r.engine != nil {
		r.engine.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slogError(err))
		}
	}
	r.busClient.Close()
	r.nats.Shutdown()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
