// Package session coordinates microphone capture with streaming speech
// recognition.
//
// A Manager owns one recognition session at a time. Every state mutation runs
// on the manager's loop goroutine; permission answers, engine results and
// availability changes arriving from other goroutines are posted onto the
// loop first. Caller-visible notifications are delivered in order on a single
// notifier goroutine.
//
// Nothing in the manager times out. If the permission subsystem or the
// recognition engine never answers, the manager waits in its current state.
package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-listen/internal/capture"
	"github.com/loqalabs/loqa-listen/internal/permission"
	"github.com/loqalabs/loqa-listen/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Authorization is the permission gate as seen by the manager.
type Authorization interface {
	Request(func(permission.Status))
	Status() permission.Status
}

type Config struct {
	Policy       Policy
	BufferFrames int
	// DisablePartials stops the engine from producing interim results.
	DisablePartials bool
}

type Deps struct {
	Auth   Authorization
	Device capture.Device
	Engine stt.Engine
}

// Snapshot is a consistent view of the manager taken after its last
// operation completed.
type Snapshot struct {
	State     State
	Capturing bool
	SessionID string
	LastText  string
	TaskLive  bool
}

type Manager struct {
	cfg          Config
	auth         Authorization
	device       capture.Device
	engine       stt.Engine
	onAuthorized func()
	onUpdate     func(Event)
	log          *slog.Logger
	metrics      *metrics
	tracer       trace.Tracer

	ops      chan func()
	quit     chan struct{}
	loopDone chan struct{}
	closed   atomic.Bool
	notify   *notifier
	snap     atomic.Pointer[Snapshot]

	// Owned by the loop goroutine.
	state     State
	capturing bool
	request   *stt.Request
	task      *stt.Task
	pumpDone  chan struct{}
	sessionID string
	lastText  string
}

// New builds a Manager and immediately requests authorization. onAuthorized
// runs at most once, after an Authorized answer; onUpdate receives every
// lifecycle event. Both run on the notifier goroutine.
func New(cfg Config, deps Deps, onAuthorized func(), onUpdate func(Event), log *slog.Logger) *Manager {
	if cfg.BufferFrames <= 0 {
		cfg.BufferFrames = 1024
	}
	m := &Manager{
		cfg:          cfg,
		auth:         deps.Auth,
		device:       deps.Device,
		engine:       deps.Engine,
		onAuthorized: onAuthorized,
		onUpdate:     onUpdate,
		log:          log.With(slog.String("component", "session"), slog.String("policy", cfg.Policy.String())),
		tracer:       otel.Tracer(instrumentationName),
		ops:          make(chan func()),
		quit:         make(chan struct{}),
		loopDone:     make(chan struct{}),
		notify:       newNotifier(),
		state:        StateAwaitingPermission,
	}
	metrics, err := newMetrics()
	if err != nil {
		m.log.Warn("failed to initialize metrics", slogError(err))
	}
	m.metrics = metrics
	m.publish()

	go m.loop()

	m.engine.OnAvailabilityChange(func(available bool) {
		m.post(func() { m.emit(Event{Kind: EventAvailabilityChanged, Available: available}) })
	})
	m.auth.Request(func(status permission.Status) {
		m.post(func() { m.handleAuthorization(status) })
	})
	return m
}

func (m *Manager) loop() {
	defer close(m.loopDone)
	for {
		select {
		case op := <-m.ops:
			op()
			m.publish()
		case <-m.quit:
			return
		}
	}
}

// do runs fn on the loop and waits for it to finish.
func (m *Manager) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}
	select {
	case m.ops <- op:
	case <-m.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// post schedules fn on the loop from a collaborator goroutine.
func (m *Manager) post(fn func()) {
	select {
	case m.ops <- fn:
	case <-m.quit:
	}
}

func (m *Manager) publish() {
	m.snap.Store(&Snapshot{
		State:     m.state,
		Capturing: m.capturing,
		SessionID: m.sessionID,
		LastText:  m.lastText,
		TaskLive:  m.task != nil,
	})
}

func (m *Manager) emit(ev Event) {
	if ev.SessionID == "" {
		ev.SessionID = m.sessionID
	}
	ev.At = time.Now().UTC()
	m.metrics.event(ev.Kind)
	m.log.Debug("session event", slog.String("event", ev.String()), slog.String("session_id", ev.SessionID))
	if m.onUpdate != nil {
		m.notify.enqueue(func() { m.onUpdate(ev) })
	}
}

func (m *Manager) handleAuthorization(status permission.Status) {
	if m.state == StateAwaitingPermission {
		m.state = StateIdle
	}
	if status != permission.Authorized {
		m.log.Warn("speech recognition not authorized", slog.String("status", status.String()))
		return
	}
	m.emit(Event{Kind: EventAuthorized})
	if m.onAuthorized != nil {
		m.notify.enqueue(m.onAuthorized)
	}
}

// Start begins a session. If capture is already running it instead stops the
// hardware and ends the request, leaving the task alive so the engine can
// still deliver a final result from buffered audio.
func (m *Manager) Start(ctx context.Context) error {
	var err error
	if doErr := m.do(ctx, func() {
		if m.capturing {
			m.endCapture()
			return
		}
		err = m.run(ctx)
	}); doErr != nil {
		return doErr
	}
	return err
}

// Toggle is Start under its user-facing name: it starts an idle manager and
// winds down a capturing one.
func (m *Manager) Toggle(ctx context.Context) error {
	return m.Start(ctx)
}

// Stop tears the session down completely: hardware, tap, request and task.
// Stopping an idle manager does nothing and emits nothing.
func (m *Manager) Stop(ctx context.Context) error {
	return m.do(ctx, func() {
		if m.capturing || m.request != nil || m.task != nil || m.pumpDone != nil {
			_, span := m.tracer.Start(ctx, "session.stop", trace.WithAttributes(attribute.String("session.id", m.sessionID)))
			defer span.End()
		}
		m.stop()
	})
}

// Close stops any session, delivers pending notifications and shuts the
// manager down. Further calls return ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	err := m.do(ctx, m.stop)
	close(m.quit)
	<-m.loopDone
	m.notify.close()
	return err
}

func (m *Manager) Snapshot() Snapshot {
	return *m.snap.Load()
}

func (m *Manager) State() State { return m.Snapshot().State }

func (m *Manager) IsCapturing() bool { return m.Snapshot().Capturing }

func (m *Manager) LastRecognizedText() string { return m.Snapshot().LastText }

func (m *Manager) Policy() Policy { return m.cfg.Policy }

func (m *Manager) run(ctx context.Context) (err error) {
	_, span := m.tracer.Start(ctx, "session.start")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	switch m.auth.Status() {
	case permission.Authorized:
	case permission.Denied:
		return m.fail(ErrDenied, nil, "denied")
	case permission.Restricted:
		return m.fail(ErrRestricted, nil, "restricted")
	default:
		return m.fail(ErrNotDetermined, nil, "not_determined")
	}

	m.closeToggled()
	m.cancelTask()

	if err := m.device.Configure(); err != nil {
		return m.fail(ErrAudioSessionUnavailable, err, "audio_session")
	}

	req, err := m.engine.NewRequest(!m.cfg.DisablePartials)
	if err != nil || req == nil {
		return m.fail(ErrInvalidRecognitionRequest, err, "request")
	}

	format, err := m.device.Input()
	if err != nil {
		req.EndAudio()
		return m.fail(ErrInputNodeUnavailable, err, "input_node")
	}

	m.request = req
	task, err := m.engine.Recognize(req, m.handleResult)
	if err != nil {
		m.stop()
		return m.fail(ErrInvalidRecognitionRequest, err, "recognize")
	}
	m.task = task
	// Events from here on, including teardown after a failed arm or start,
	// belong to the new session.
	m.sessionID = uuid.NewString()

	bufs, err := m.device.Arm(m.cfg.BufferFrames, format)
	if err != nil {
		m.stop()
		return m.fail(ErrAudioEngineUnavailable, err, "arm")
	}
	m.installTap(bufs, req)

	if err := m.device.Start(); err != nil {
		m.stop()
		return m.fail(ErrAudioEngineUnavailable, err, "engine_start")
	}

	m.capturing = true
	m.state = StateCapturing
	span.SetAttributes(attribute.String("session.id", m.sessionID))
	m.log.Info("capture started",
		slog.String("session_id", m.sessionID),
		slog.Int("sample_rate", format.SampleRate),
		slog.Int("channels", format.Channels),
		slog.Int("buffer_frames", m.cfg.BufferFrames))
	m.emit(Event{Kind: EventAudioEngineStart})
	return nil
}

func (m *Manager) fail(sentinel, cause error, reason string) error {
	m.metrics.startFailure(reason)
	err := wrap(sentinel, cause)
	m.log.Warn("start failed", slogError(err))
	return err
}

// installTap pipes every captured buffer into req until the device closes
// the channel.
func (m *Manager) installTap(bufs <-chan capture.Buffer, req *stt.Request) {
	done := make(chan struct{})
	m.pumpDone = done
	go func() {
		defer close(done)
		for buf := range bufs {
			if req.Append(buf) {
				m.metrics.buffer()
			}
		}
	}()
}

// removeTap disarms the device and waits for the pump to drain.
func (m *Manager) removeTap() {
	if m.pumpDone == nil {
		return
	}
	m.device.Disarm()
	<-m.pumpDone
	m.pumpDone = nil
}

func (m *Manager) cancelTask() {
	if m.task == nil {
		return
	}
	m.task.Cancel()
	m.task = nil
	m.emit(Event{Kind: EventTaskCancelled})
}

// endCapture is the toggle path: hardware and request wind down, the task
// stays so a final result can still arrive.
func (m *Manager) endCapture() {
	m.removeTap()
	if m.request != nil {
		m.request.EndAudio()
		m.request = nil
	}
	m.capturing = false
	m.state = StateStopping
	m.log.Info("capture ended, awaiting final result", slog.String("session_id", m.sessionID))
	m.emit(Event{Kind: EventAudioEngineStop})
	if m.task == nil {
		m.closeToggled()
	}
}

// closeToggled reports the end of a session whose capture was already wound
// down by a toggle.
func (m *Manager) closeToggled() {
	if m.state != StateStopping || m.capturing {
		return
	}
	m.state = StateIdle
	m.log.Info("session finished", slog.String("session_id", m.sessionID))
	m.emit(Event{Kind: EventSessionStopped, Text: m.lastText})
}

// stop is the full teardown. It is idempotent and silent when idle.
func (m *Manager) stop() {
	m.closeToggled()
	if m.capturing || m.device.IsArmed() {
		m.state = StateStopping
		if m.pumpDone == nil {
			m.device.Disarm()
		}
		m.removeTap()
		if m.request != nil {
			m.request.EndAudio()
		}
		m.capturing = false
		m.log.Info("capture stopped", slog.String("session_id", m.sessionID))
		m.emit(Event{Kind: EventAudioEngineStop})
		m.emit(Event{Kind: EventSessionStopped, Text: m.lastText})
	}
	m.removeTap()
	if m.request != nil {
		m.request.EndAudio()
		m.request = nil
	}
	m.cancelTask()
	if m.state != StateAwaitingPermission {
		m.state = StateIdle
	}
}

// handleResult is the engine callback. It runs on an engine goroutine and
// only posts to the loop.
func (m *Manager) handleResult(task *stt.Task, result *stt.Result, err error) {
	m.post(func() { m.applyResult(task, result, err) })
}

func (m *Manager) applyResult(task *stt.Task, result *stt.Result, err error) {
	if m.task == nil || task == nil || m.task.ID() != task.ID() {
		m.metrics.posthumousResult()
		m.log.Debug("discarding result from stale task")
		return
	}

	recognized := false
	if result != nil && result.Text != "" {
		m.lastText = result.Text
		recognized = true
		m.emit(Event{Kind: EventSpeechRecognized, Text: result.Text})
	} else {
		m.emit(Event{Kind: EventSpeechNotRecognized})
	}
	if err != nil {
		m.log.Warn("recognition failed", slogError(err), slog.String("session_id", m.sessionID))
	}

	finished := err != nil || result == nil || result.Final
	switch {
	case err != nil:
		// The task is dead; nothing more will arrive for this session.
		m.stop()
	case m.cfg.Policy == SingleUtterance && (recognized || finished):
		m.stop()
	case finished && m.state == StateStopping:
		m.stop()
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
