// Package session hosts recording sessions: each one couples a transcript
// recorder with the analysis gateway and the report store, and turns every
// failure into a notice the client can render.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/standup-recorder/internal/analysis"
	"github.com/loqalabs/standup-recorder/internal/capture"
	"github.com/loqalabs/standup-recorder/internal/failure"
	"github.com/loqalabs/standup-recorder/internal/protocol"
	"github.com/loqalabs/standup-recorder/internal/recorder"
	"github.com/loqalabs/standup-recorder/internal/report"
	"github.com/loqalabs/standup-recorder/internal/store"
)

var (
	ErrAnalysisInFlight = fmt.Errorf("%w: analysis already in progress", failure.ErrConflict)
	ErrRecording        = fmt.Errorf("%w: session is recording", failure.ErrConflict)
	ErrSessionBusy      = fmt.Errorf("%w: session is changing state", failure.ErrConflict)
)

// Microphone is the capture side a session needs.
type Microphone interface {
	capture.Source
	Grant(sessionID string, granted bool)
	Forget(sessionID string)
	Permission(sessionID string) capture.Permission
}

// RecordStore is the persistence a session writes to.
type RecordStore interface {
	AppendRecord(ctx context.Context, rec report.Record) (report.Record, error)
	AppendSession(ctx context.Context, sessionID string) error
	AppendEvent(ctx context.Context, evt store.Event) error
}

// Publisher broadcasts session updates. *bus.Client satisfies it.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// View is everything a client needs to render a session.
type View struct {
	ID             string             `json:"id"`
	State          recorder.State     `json:"state"`
	ElapsedSeconds int                `json:"elapsedSeconds"`
	CapSeconds     int                `json:"capSeconds"`
	Transcript     string             `json:"transcript"`
	Preview        string             `json:"preview,omitempty"`
	Permission     capture.Permission `json:"permission"`
	Analyzing      bool               `json:"analyzing"`
	CanStart       bool               `json:"canStart"`
	CanAnalyze     bool               `json:"canAnalyze"`
	Report         *report.Report     `json:"report,omitempty"`
	Notices        []Notice           `json:"notices"`
	CreatedAt      time.Time          `json:"createdAt"`
}

type Session struct {
	id        string
	createdAt time.Time
	rec       *recorder.Recorder
	mic       Microphone
	analyzer  analysis.Analyzer
	store     RecordStore
	publisher Publisher
	timeout   time.Duration
	clock     func() time.Time
	log       *slog.Logger

	mu        sync.Mutex
	report    *report.Report
	analyzing bool
	// busy is held across a recorder Start or Reset so that Analyze cannot
	// interleave with it.
	busy      bool
	notices   []Notice
	lastState recorder.State
}

func (s *Session) ID() string {
	return s.id
}

// Grant records the client's microphone permission decision.
func (s *Session) Grant(granted bool) {
	s.mic.Grant(s.id, granted)
	s.event("permission", map[string]bool{"granted": granted})
}

// Start begins a recording. Failures are also recorded as notices.
func (s *Session) Start(ctx context.Context) error {
	if err := s.acquire(); err != nil {
		return s.fail(err)
	}
	defer s.releaseBusy()
	if err := s.rec.Start(ctx); err != nil {
		return s.fail(err)
	}
	return nil
}

// Stop ends the recording. It is safe to call in any state.
func (s *Session) Stop() {
	s.rec.Stop()
}

// Reset clears the transcript and the report.
func (s *Session) Reset() error {
	if err := s.acquire(); err != nil {
		return s.fail(err)
	}
	defer s.releaseBusy()
	if err := s.rec.Reset(); err != nil {
		return s.fail(err)
	}
	s.mu.Lock()
	s.report = nil
	s.mu.Unlock()
	return nil
}

// acquire marks the session busy unless an analysis or another state change
// is under way.
func (s *Session) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.analyzing:
		return ErrAnalysisInFlight
	case s.busy:
		return ErrSessionBusy
	}
	s.busy = true
	return nil
}

func (s *Session) releaseBusy() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// Analyze sends the committed transcript to the gateway. Only one request
// may be outstanding; once issued it runs to completion even if the caller
// goes away.
func (s *Session) Analyze(ctx context.Context) (report.Report, error) {
	s.mu.Lock()
	if s.analyzing {
		s.mu.Unlock()
		return report.Report{}, s.fail(ErrAnalysisInFlight)
	}
	if s.busy {
		s.mu.Unlock()
		return report.Report{}, s.fail(ErrSessionBusy)
	}
	snap := s.rec.Snapshot()
	if snap.State == recorder.StateRecording || snap.Finalizing {
		s.mu.Unlock()
		return report.Report{}, s.fail(ErrRecording)
	}
	transcript := snap.Transcript
	if strings.TrimSpace(transcript) == "" {
		s.mu.Unlock()
		return report.Report{}, s.fail(failure.Wrap(failure.ErrValidation, "session analyze", "transcript is empty", nil))
	}
	s.analyzing = true
	s.mu.Unlock()

	s.event("analysis_started", map[string]int{"transcript_len": len(transcript)})
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	rep, err := s.analyzer.Analyze(reqCtx, s.id, transcript)

	s.mu.Lock()
	s.analyzing = false
	s.mu.Unlock()
	if err != nil {
		s.event("analysis_failed", map[string]string{"kind": string(failure.KindOf(err))})
		return report.Report{}, s.fail(err)
	}

	s.mu.Lock()
	s.report = &rep
	s.mu.Unlock()

	rec := report.Record{Date: s.clock(), SessionID: s.id, Transcript: transcript, Report: rep}
	if _, err := s.store.AppendRecord(reqCtx, rec); err != nil {
		s.log.Warn("failed to persist record", slog.String("error", err.Error()))
		s.fail(err)
	}
	s.notify(Notice{
		Kind:    "analysis_complete",
		Level:   LevelSuccess,
		Title:   "Analysis complete",
		Message: "Your standup has been analyzed.",
		At:      s.clock(),
	})
	s.event("analysis_complete", map[string]int{"blockers": len(rep.Blockers)})
	return rep, nil
}

// Summary renders the current report for sharing.
func (s *Session) Summary(format string) (string, error) {
	s.mu.Lock()
	rep := s.report
	s.mu.Unlock()
	if rep == nil {
		return "", failure.Wrap(failure.ErrValidation, "session summary", "no report yet", nil)
	}
	switch format {
	case "", "slack":
		return report.FormatSlack(*rep), nil
	case "text", "plain":
		return report.FormatPlain(*rep), nil
	default:
		return "", failure.Wrap(failure.ErrValidation, "session summary", fmt.Sprintf("unknown format %q", format), nil)
	}
}

func (s *Session) View() View {
	snap := s.rec.Snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	idle := snap.State != recorder.StateRecording && !snap.Finalizing && !s.analyzing && !s.busy
	v := View{
		ID:             s.id,
		State:          snap.State,
		ElapsedSeconds: snap.ElapsedSeconds,
		CapSeconds:     snap.CapSeconds,
		Transcript:     snap.Transcript,
		Preview:        snap.Preview,
		Permission:     s.mic.Permission(s.id),
		Analyzing:      s.analyzing,
		CanStart:       idle,
		CanAnalyze:     idle && strings.TrimSpace(snap.Transcript) != "",
		Notices:        append([]Notice{}, s.notices...),
		CreatedAt:      s.createdAt,
	}
	if s.report != nil {
		rep := *s.report
		v.Report = &rep
	}
	return v
}

func (s *Session) close() {
	s.rec.Close()
	s.mic.Forget(s.id)
}

// fail records err as a notice and returns it.
func (s *Session) fail(err error) error {
	s.notify(noticeFor(err, s.clock()))
	return err
}

func (s *Session) notify(n Notice) {
	s.mu.Lock()
	s.notices = append(s.notices, n)
	if len(s.notices) > maxNotices {
		s.notices = s.notices[len(s.notices)-maxNotices:]
	}
	s.mu.Unlock()
	s.log.Info("notice", slog.String("kind", n.Kind), slog.String("title", n.Title))
}

func (s *Session) onChange(snap recorder.Snapshot) {
	s.mu.Lock()
	changed := snap.State != s.lastState
	s.lastState = snap.State
	s.mu.Unlock()

	if s.publisher != nil {
		msg := protocol.SessionState{
			SessionID:      s.id,
			State:          string(snap.State),
			ElapsedSeconds: snap.ElapsedSeconds,
			TranscriptLen:  len(snap.Transcript),
			Timestamp:      s.clock().UTC(),
		}
		if err := s.publisher.PublishJSON(protocol.SessionStateSubject(s.id), msg); err != nil {
			s.log.Warn("failed to publish session state", slog.String("error", err.Error()))
		}
	}
	if changed {
		s.event("state", map[string]any{"state": snap.State, "elapsed_seconds": snap.ElapsedSeconds})
	}
}

func (s *Session) onError(err error) {
	s.fail(err)
	s.event("recognition_failed", map[string]string{"error": err.Error()})
}

// event appends to the session timeline. Timeline failures only degrade
// history, so they are logged and dropped.
func (s *Session) event(kind string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to encode timeline event", slog.String("error", err.Error()))
		return
	}
	if err := s.store.AppendEvent(context.Background(), store.Event{SessionID: s.id, Type: kind, Payload: data}); err != nil {
		s.log.Warn("failed to append timeline event", slog.String("type", kind), slog.String("error", err.Error()))
	}
}
