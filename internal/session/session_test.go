package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/standup-recorder/internal/capture"
	"github.com/loqalabs/standup-recorder/internal/config"
	"github.com/loqalabs/standup-recorder/internal/failure"
	"github.com/loqalabs/standup-recorder/internal/protocol"
	"github.com/loqalabs/standup-recorder/internal/recorder"
	"github.com/loqalabs/standup-recorder/internal/report"
	"github.com/loqalabs/standup-recorder/internal/store"
	"github.com/loqalabs/standup-recorder/internal/stt"
)

type fakeStream struct {
	frames chan protocol.AudioFrame
	once   sync.Once
	mic    *fakeMic
}

func (s *fakeStream) Frames() <-chan protocol.AudioFrame { return s.frames }

func (s *fakeStream) Release() error {
	s.once.Do(func() {
		close(s.frames)
		s.mic.mu.Lock()
		s.mic.released++
		s.mic.mu.Unlock()
	})
	return nil
}

type fakeMic struct {
	mu       sync.Mutex
	denied   bool
	acquired int
	released int
	forgot   int
	current  *fakeStream
	gate     chan struct{}
	entered  chan struct{}
}

func (m *fakeMic) Acquire(ctx context.Context, sessionID string) (capture.Stream, error) {
	m.mu.Lock()
	gate, entered := m.gate, m.entered
	m.gate, m.entered = nil, nil
	m.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if gate != nil {
		<-gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.denied {
		return nil, failure.Wrap(failure.ErrPermissionDenied, "capture acquire", "denied", nil)
	}
	m.acquired++
	m.current = &fakeStream{frames: make(chan protocol.AudioFrame, 8), mic: m}
	return m.current, nil
}

func (m *fakeMic) Grant(sessionID string, granted bool) {
	m.mu.Lock()
	m.denied = !granted
	m.mu.Unlock()
}

func (m *fakeMic) Forget(sessionID string) {
	m.mu.Lock()
	m.forgot++
	m.mu.Unlock()
}

func (m *fakeMic) Permission(sessionID string) capture.Permission {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.denied {
		return capture.PermissionDenied
	}
	return capture.PermissionGranted
}

func (m *fakeMic) say(text string) {
	m.mu.Lock()
	stream := m.current
	m.mu.Unlock()
	stream.frames <- protocol.AudioFrame{PCM: []byte(text), Final: true}
}

func (m *fakeMic) counts() (int, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired, m.released, m.forgot
}

type fakeStore struct {
	mu        sync.Mutex
	recordErr error
	records   []report.Record
	events    []store.Event
}

func (s *fakeStore) AppendRecord(ctx context.Context, rec report.Record) (report.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordErr != nil {
		return report.Record{}, s.recordErr
	}
	s.records = append(s.records, rec)
	return rec, nil
}

func (s *fakeStore) AppendSession(ctx context.Context, sessionID string) error { return nil }

func (s *fakeStore) AppendEvent(ctx context.Context, evt store.Event) error {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
	return nil
}

type stubAnalyzer struct {
	mu      sync.Mutex
	calls   int
	gate    chan struct{}
	entered chan struct{}
	err     error
}

func (a *stubAnalyzer) Analyze(ctx context.Context, sessionID, transcript string) (report.Report, error) {
	a.mu.Lock()
	a.calls++
	gate, entered := a.gate, a.entered
	a.mu.Unlock()
	if entered != nil {
		close(entered)
	}
	if gate != nil {
		<-gate
	}
	if a.err != nil {
		return report.Report{}, a.err
	}
	return report.Heuristic(transcript), nil
}

type idleTicker struct{ c chan time.Time }

func (t idleTicker) C() <-chan time.Time { return t.c }
func (t idleTicker) Stop()               {}

type fixture struct {
	manager  *Manager
	mic      *fakeMic
	store    *fakeStore
	analyzer *stubAnalyzer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{mic: &fakeMic{}, store: &fakeStore{}, analyzer: &stubAnalyzer{}}
	recognizer := stt.RecognizerFunc(func(ctx context.Context, pcm []byte, sampleRate, channels int, final bool) (stt.TranscriptResult, error) {
		return stt.TranscriptResult{Text: strings.TrimSpace(string(pcm))}, nil
	})
	f.manager = NewManager(Options{
		Recorder:    config.RecorderConfig{CapSeconds: 120, TickMS: 1000},
		Analysis:    config.AnalysisConfig{TimeoutMS: 5000},
		Microphone:  f.mic,
		Transcriber: stt.NewAdapter(config.SpeechConfig{}, recognizer, logger),
		Analyzer:    f.analyzer,
		Store:       f.store,
		Logger:      logger,
		NewTicker: func(time.Duration) recorder.Ticker {
			return idleTicker{c: make(chan time.Time)}
		},
	})
	t.Cleanup(f.manager.Close)
	return f
}

// record captures text as one committed utterance and stops.
func (f *fixture) record(t *testing.T, s *Session, text string) {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.mic.say(text)
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(s.View().Transcript, text) {
		if time.Now().After(deadline) {
			t.Fatalf("transcript never committed, have %q", s.View().Transcript)
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
}

func lastNotice(t *testing.T, s *Session) Notice {
	t.Helper()
	notices := s.View().Notices
	if len(notices) == 0 {
		t.Fatal("expected a notice")
	}
	return notices[len(notices)-1]
}

func TestAnalyzeRejectsEmptyTranscript(t *testing.T) {
	f := newFixture(t)
	s, err := f.manager.Create(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Analyze(context.Background()); !errors.Is(err, failure.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if f.analyzer.calls != 0 {
		t.Fatalf("analyzer must not be called, got %d calls", f.analyzer.calls)
	}
	if n := lastNotice(t, s); n.Title != "No transcript to analyze" {
		t.Fatalf("unexpected notice %+v", n)
	}
	if s.View().CanAnalyze {
		t.Fatal("empty session must not be analyzable")
	}
}

func TestAnalyzeStoresRecord(t *testing.T) {
	f := newFixture(t)
	s, _ := f.manager.Create(context.Background())
	f.record(t, s, "Yesterday I fixed the login bug. Today I will write tests.")

	rep, err := s.Analyze(context.Background())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(rep.CompletedYesterday) == 0 {
		t.Fatalf("expected completed items, got %+v", rep)
	}
	if len(f.store.records) != 1 || f.store.records[0].SessionID != s.ID() {
		t.Fatalf("expected one stored record, got %+v", f.store.records)
	}
	view := s.View()
	if view.Report == nil || view.Analyzing {
		t.Fatalf("unexpected view after analysis: %+v", view)
	}
	if n := lastNotice(t, s); n.Title != "Analysis complete" || n.Level != LevelSuccess {
		t.Fatalf("unexpected notice %+v", n)
	}
}

func TestAnalyzeWhileRecordingConflicts(t *testing.T) {
	f := newFixture(t)
	s, _ := f.manager.Create(context.Background())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := s.Analyze(context.Background()); !errors.Is(err, ErrRecording) {
		t.Fatalf("expected recording conflict, got %v", err)
	}
	s.Stop()
}

func TestAnalyzeSingleFlight(t *testing.T) {
	f := newFixture(t)
	s, _ := f.manager.Create(context.Background())
	f.record(t, s, "Today I will pair on the API.")

	f.analyzer.gate = make(chan struct{})
	f.analyzer.entered = make(chan struct{})
	entered := f.analyzer.entered
	done := make(chan error, 1)
	go func() {
		_, err := s.Analyze(context.Background())
		done <- err
	}()
	<-entered

	if _, err := s.Analyze(context.Background()); !errors.Is(err, ErrAnalysisInFlight) {
		t.Fatalf("expected in-flight conflict, got %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAnalysisInFlight) {
		t.Fatalf("start during analysis should conflict, got %v", err)
	}
	if err := s.Reset(); !errors.Is(err, ErrAnalysisInFlight) {
		t.Fatalf("reset during analysis should conflict, got %v", err)
	}
	if !s.View().Analyzing {
		t.Fatal("expected analyzing flag")
	}

	close(f.analyzer.gate)
	if err := <-done; err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if f.analyzer.calls != 1 {
		t.Fatalf("expected one upstream call, got %d", f.analyzer.calls)
	}
}

func TestAnalyzeSchemaErrorKeepsTranscript(t *testing.T) {
	f := newFixture(t)
	s, _ := f.manager.Create(context.Background())
	f.record(t, s, "Blocked on API access.")
	f.analyzer.err = failure.Wrap(failure.ErrSchema, "report decode", "payload is not a JSON object", nil)

	if _, err := s.Analyze(context.Background()); !errors.Is(err, failure.ErrSchema) {
		t.Fatalf("expected schema error, got %v", err)
	}
	view := s.View()
	if view.Report != nil {
		t.Fatal("report must stay unset after a failed analysis")
	}
	if !strings.Contains(view.Transcript, "Blocked on API access.") || !view.CanAnalyze {
		t.Fatalf("transcript should survive for retry: %+v", view)
	}
	if n := lastNotice(t, s); n.Title != "Analysis format error" {
		t.Fatalf("unexpected notice %+v", n)
	}
	if len(f.store.records) != 0 {
		t.Fatal("failed analysis must not be stored")
	}
}

func TestAnalyzePersistenceFailureKeepsReport(t *testing.T) {
	f := newFixture(t)
	f.store.recordErr = failure.Wrap(failure.ErrPersistence, "store append", "disk full", nil)
	s, _ := f.manager.Create(context.Background())
	f.record(t, s, "Yesterday I shipped the release.")

	if _, err := s.Analyze(context.Background()); err != nil {
		t.Fatalf("analyze should succeed without history: %v", err)
	}
	view := s.View()
	if view.Report == nil {
		t.Fatal("expected report to be shown")
	}
	var sawHistory bool
	for _, n := range view.Notices {
		if n.Title == "History unavailable" {
			sawHistory = true
		}
	}
	if !sawHistory {
		t.Fatalf("expected persistence notice, got %+v", view.Notices)
	}
}

func TestSummaryFormats(t *testing.T) {
	f := newFixture(t)
	s, _ := f.manager.Create(context.Background())
	if _, err := s.Summary("slack"); !errors.Is(err, failure.ErrValidation) {
		t.Fatalf("summary without report should fail, got %v", err)
	}
	f.record(t, s, "Yesterday I fixed the login bug.")
	if _, err := s.Analyze(context.Background()); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	slack, err := s.Summary("slack")
	if err != nil || !strings.Contains(slack, "*🔹 Blockers:*") {
		t.Fatalf("unexpected slack summary %q (%v)", slack, err)
	}
	plain, err := s.Summary("text")
	if err != nil || !strings.Contains(plain, "- No blockers") {
		t.Fatalf("unexpected plain summary %q (%v)", plain, err)
	}
	if _, err := s.Summary("html"); !errors.Is(err, failure.ErrValidation) {
		t.Fatalf("expected unknown format error, got %v", err)
	}
}

func TestResetClearsReport(t *testing.T) {
	f := newFixture(t)
	s, _ := f.manager.Create(context.Background())
	f.record(t, s, "Today I will review PRs.")
	if _, err := s.Analyze(context.Background()); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	view := s.View()
	if view.Report != nil || view.Transcript != "" || view.State != recorder.StateIdle {
		t.Fatalf("unexpected view after reset: %+v", view)
	}
}

func TestStartDeniedRaisesNotice(t *testing.T) {
	f := newFixture(t)
	s, _ := f.manager.Create(context.Background())
	s.Grant(false)
	if err := s.Start(context.Background()); !errors.Is(err, failure.ErrPermissionDenied) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if n := lastNotice(t, s); n.Title != "Microphone access denied" {
		t.Fatalf("unexpected notice %+v", n)
	}
	if s.View().Permission != capture.PermissionDenied {
		t.Fatal("expected denied permission in view")
	}
}

func TestDiscardReleasesMicrophone(t *testing.T) {
	f := newFixture(t)
	s, _ := f.manager.Create(context.Background())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.manager.Discard(s.ID()); err != nil {
		t.Fatalf("discard: %v", err)
	}
	acquired, released, forgot := f.mic.counts()
	if acquired != 1 || released != 1 || forgot != 1 {
		t.Fatalf("expected balanced microphone, got acquired=%d released=%d forgot=%d", acquired, released, forgot)
	}
	if _, err := f.manager.Get(s.ID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := f.manager.Discard(s.ID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second discard should be not found, got %v", err)
	}
}

func TestManagerListsSessions(t *testing.T) {
	f := newFixture(t)
	a, _ := f.manager.Create(context.Background())
	b, _ := f.manager.Create(context.Background())
	if a.ID() == b.ID() {
		t.Fatal("session ids must be unique")
	}
	if got := len(f.manager.List()); got != 2 {
		t.Fatalf("expected 2 sessions, got %d", got)
	}
	if got, err := f.manager.Get(b.ID()); err != nil || got != b {
		t.Fatalf("get returned %v, %v", got, err)
	}
}

func TestStopKeepsLastUtterance(t *testing.T) {
	f := newFixture(t)
	s, _ := f.manager.Create(context.Background())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.mic.say("I'm blocked on the staging database.")
	s.Stop()

	if view := s.View(); view.Transcript != "I'm blocked on the staging database." || !view.CanAnalyze {
		t.Fatalf("last utterance must be committed by stop: %+v", view)
	}
	rep, err := s.Analyze(context.Background())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(rep.Blockers) != 1 {
		t.Fatalf("expected the blocker from the last utterance, got %+v", rep)
	}
}

func TestAnalyzeDuringStartIsBusy(t *testing.T) {
	f := newFixture(t)
	s, _ := f.manager.Create(context.Background())
	f.record(t, s, "Yesterday I merged the export job.")

	f.mic.mu.Lock()
	f.mic.gate = make(chan struct{})
	f.mic.entered = make(chan struct{})
	gate, entered := f.mic.gate, f.mic.entered
	f.mic.mu.Unlock()

	started := make(chan error, 1)
	go func() { started <- s.Start(context.Background()) }()
	<-entered

	if _, err := s.Analyze(context.Background()); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("analyze during start should be busy, got %v", err)
	}
	if err := s.Reset(); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("reset during start should be busy, got %v", err)
	}
	if s.View().CanAnalyze {
		t.Fatal("session must not be analyzable while starting")
	}
	close(gate)
	if err := <-started; err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := s.Analyze(context.Background()); !errors.Is(err, ErrRecording) {
		t.Fatalf("expected recording conflict after start, got %v", err)
	}
	if f.analyzer.calls != 0 {
		t.Fatalf("analyzer must not run, got %d calls", f.analyzer.calls)
	}
	s.Stop()
}

func TestAnalyzeWithoutHistory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mic := &fakeMic{}
	recognizer := stt.RecognizerFunc(func(ctx context.Context, pcm []byte, sampleRate, channels int, final bool) (stt.TranscriptResult, error) {
		return stt.TranscriptResult{Text: string(pcm)}, nil
	})
	manager := NewManager(Options{
		Microphone:  mic,
		Transcriber: stt.NewAdapter(config.SpeechConfig{}, recognizer, logger),
		Analyzer:    &stubAnalyzer{},
		Logger:      logger,
	})
	t.Cleanup(manager.Close)
	f := &fixture{manager: manager, mic: mic}

	s, err := manager.Create(context.Background())
	if err != nil {
		t.Fatalf("create without history: %v", err)
	}
	f.record(t, s, "Today I will write docs.")
	if _, err := s.Analyze(context.Background()); err != nil {
		t.Fatalf("analyze without history: %v", err)
	}
	if s.View().Report == nil {
		t.Fatal("expected report without history")
	}
	var history *Notice
	for _, n := range s.View().Notices {
		if n.Kind == string(failure.KindPersistence) {
			n := n
			history = &n
		}
	}
	if history == nil || !history.Retryable {
		t.Fatalf("expected a retryable history notice, got %+v", s.View().Notices)
	}
}

func TestNoticeRetryable(t *testing.T) {
	at := time.Now()
	if n := noticeFor(failure.Wrap(failure.ErrUpstream, "llm", "timeout", nil), at); !n.Retryable {
		t.Fatalf("upstream failures are retryable: %+v", n)
	}
	if n := noticeFor(failure.Wrap(failure.ErrConfiguration, "llm", "missing key", nil), at); n.Retryable {
		t.Fatalf("configuration failures are not retryable: %+v", n)
	}
}
