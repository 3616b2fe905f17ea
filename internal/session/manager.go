package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/standup-recorder/internal/analysis"
	"github.com/loqalabs/standup-recorder/internal/config"
	"github.com/loqalabs/standup-recorder/internal/failure"
	"github.com/loqalabs/standup-recorder/internal/recorder"
	"github.com/loqalabs/standup-recorder/internal/report"
	"github.com/loqalabs/standup-recorder/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var ErrNotFound = errors.New("session not found")

type Options struct {
	Recorder    config.RecorderConfig
	Speech      config.SpeechConfig
	Analysis    config.AnalysisConfig
	Microphone  Microphone
	Transcriber recorder.Transcriber
	Analyzer    analysis.Analyzer
	// Store may be nil when history is unavailable; analyses then still run
	// but are not kept.
	Store     RecordStore
	Publisher Publisher
	Logger    *slog.Logger
	// NewTicker overrides the recorder ticker, for tests.
	NewTicker recorder.TickerFactory
	Clock     func() time.Time
}

// Manager owns the live sessions.
type Manager struct {
	opts     Options
	log      *slog.Logger
	mu       sync.Mutex
	sessions map[string]*Session
	active   metric.Int64UpDownCounter
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Store == nil {
		opts.Store = noHistory{}
	}
	m := &Manager{
		opts:     opts,
		log:      opts.Logger.With(slog.String("component", "session-manager")),
		sessions: make(map[string]*Session),
	}
	meter := otel.Meter("github.com/loqalabs/standup-recorder/internal/session")
	active, err := meter.Int64UpDownCounter("standup.sessions.active",
		metric.WithDescription("Live recording sessions"))
	if err != nil {
		m.log.Warn("failed to create session gauge", slog.String("error", err.Error()))
	}
	m.active = active
	return m
}

// Create starts a new session in the Idle state.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	id := uuid.NewString()
	timeout := time.Duration(m.opts.Analysis.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	s := &Session{
		id:        id,
		createdAt: m.opts.Clock().UTC(),
		mic:       m.opts.Microphone,
		analyzer:  m.opts.Analyzer,
		store:     m.opts.Store,
		publisher: m.opts.Publisher,
		timeout:   timeout,
		clock:     m.opts.Clock,
		log:       m.opts.Logger.With(slog.String("component", "session"), slog.String("session_id", id)),
		lastState: recorder.StateIdle,
	}
	s.rec = recorder.New(recorder.Options{
		SessionID:    id,
		CapSeconds:   m.opts.Recorder.CapSeconds,
		TickInterval: time.Duration(m.opts.Recorder.TickMS) * time.Millisecond,
		StopTimeout:  time.Duration(m.opts.Speech.TimeoutMS) * time.Millisecond,
		Source:       m.opts.Microphone,
		Transcriber:  m.opts.Transcriber,
		Logger:       m.opts.Logger,
		NewTicker:    m.opts.NewTicker,
		OnChange:     s.onChange,
		OnError:      s.onError,
	})

	if err := m.opts.Store.AppendSession(ctx, id); err != nil {
		// the session still works without a timeline
		m.log.Warn("failed to record session", slog.String("session_id", id), slog.String("error", err.Error()))
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	if m.active != nil {
		m.active.Add(ctx, 1)
	}
	m.log.Info("session created", slog.String("session_id", id))
	return s, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// List returns the live sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].createdAt.Before(out[j].createdAt) })
	return out
}

// Discard stops the session's recorder, releases its microphone and forgets
// it.
func (m *Manager) Discard(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.close()
	if m.active != nil {
		m.active.Add(context.Background(), -1)
	}
	m.log.Info("session discarded", slog.String("session_id", id))
	return nil
}

// Close discards every session.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Discard(id)
	}
}

// noHistory stands in for a report store that could not be opened. Records
// fail with a persistence error so the user is told; the timeline is dropped.
type noHistory struct{}

func (noHistory) AppendRecord(context.Context, report.Record) (report.Record, error) {
	return report.Record{}, failure.Wrap(failure.ErrPersistence, "session record", "history is disabled", nil)
}

func (noHistory) AppendSession(context.Context, string) error { return nil }

func (noHistory) AppendEvent(context.Context, store.Event) error { return nil }
