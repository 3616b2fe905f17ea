// Package httpapi exposes sessions, audio ingest, analysis and report history
// over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/standup-recorder/internal/analysis"
	"github.com/loqalabs/standup-recorder/internal/config"
	"github.com/loqalabs/standup-recorder/internal/failure"
	"github.com/loqalabs/standup-recorder/internal/protocol"
	"github.com/loqalabs/standup-recorder/internal/report"
	"github.com/loqalabs/standup-recorder/internal/session"
	"github.com/loqalabs/standup-recorder/internal/store"
)

const (
	maxTranscriptBytes = 1 << 20
	// Encoded audio frames must stay under the default broker payload limit.
	maxAudioBytes = 512 << 10
	dateLayout    = "2006-01-02"
)

// Ingester accepts audio frames pushed by a client.
type Ingester interface {
	Ingest(frame protocol.AudioFrame) error
}

// Reports is the history the API can read and clear.
type Reports interface {
	ListRecords(ctx context.Context) ([]report.Record, error)
	FindRecordByDate(ctx context.Context, day time.Time) (report.Record, bool, error)
	ClearRecords(ctx context.Context) (int64, error)
	Location() *time.Location
}

// Timeline reads the recorded history of a session.
type Timeline interface {
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]store.Event, error)
}

// Options configures the API. Reports and Timeline are nil when history is
// unavailable.
type Options struct {
	Sessions *session.Manager
	Analyzer analysis.Analyzer
	Ingester Ingester
	Reports  Reports
	Timeline Timeline
	Speech   config.SpeechConfig
	Logger   *slog.Logger
}

type Server struct {
	opts Options
	log  *slog.Logger
}

// NewServer returns the API handler with logging and CORS applied.
func NewServer(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{opts: opts, log: opts.Logger.With(slog.String("component", "httpapi"))}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/analyze", s.handleAnalyze)

	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.withSession(s.handleGetSession))
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/permission", s.withSession(s.handlePermission))
	mux.HandleFunc("POST /api/sessions/{id}/start", s.withSession(s.handleStart))
	mux.HandleFunc("POST /api/sessions/{id}/stop", s.withSession(s.handleStop))
	mux.HandleFunc("POST /api/sessions/{id}/reset", s.withSession(s.handleReset))
	mux.HandleFunc("POST /api/sessions/{id}/audio", s.withSession(s.handleAudio))
	mux.HandleFunc("POST /api/sessions/{id}/analyze", s.withSession(s.handleSessionAnalyze))
	mux.HandleFunc("GET /api/sessions/{id}/summary", s.withSession(s.handleSummary))
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleSessionEvents)

	mux.HandleFunc("GET /api/reports", s.handleListReports)
	mux.HandleFunc("DELETE /api/reports", s.handleClearReports)

	return chainMiddlewares(mux, withCORS, withLogging(s.log))
}

type analyzeRequest struct {
	Transcript string `json:"transcript"`
}

type analyzeResponse struct {
	Result string `json:"result"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
}

type permissionRequest struct {
	Granted bool `json:"granted"`
}

type summaryResponse struct {
	Format string `json:"format"`
	Text   string `json:"text"`
}

type reportsResponse struct {
	Records []report.Record `json:"records"`
}

type clearResponse struct {
	Deleted int64 `json:"deleted"`
}

// handleAnalyze is the stateless analysis endpoint. result carries the
// report as a JSON string.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxTranscriptBytes)).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Transcript) == "" {
		badRequest(w, "Transcript is required")
		return
	}
	if s.opts.Analyzer == nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to analyze transcript", Details: "analysis is not configured"})
		return
	}
	rep, err := s.opts.Analyzer.Analyze(r.Context(), "", req.Transcript)
	if err != nil {
		s.log.Error("analyze transcript", slog.String("kind", string(failure.KindOf(err))), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to analyze transcript", Details: err.Error()})
		return
	}
	encoded, err := rep.Encode()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to analyze transcript", Details: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, analyzeResponse{Result: encoded})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.opts.Sessions.Create(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.View())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.opts.Sessions.List()
	views := make([]session.View, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sess.View())
	}
	writeJSON(w, http.StatusOK, map[string][]session.View{"sessions": views})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Sessions.Discard(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *session.Session)

func (s *Server) withSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.opts.Sessions.Get(r.PathValue("id"))
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, sess)
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	writeJSON(w, http.StatusOK, sess.View())
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req permissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}
	sess.Grant(req.Granted)
	writeJSON(w, http.StatusOK, sess.View())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := sess.Start(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	sess.Stop()
	writeJSON(w, http.StatusOK, sess.View())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := sess.Reset(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

// handleAudio takes one chunk of 16-bit little-endian PCM as the raw body.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if s.opts.Ingester == nil {
		writeError(w, failure.Wrap(failure.ErrConfiguration, "audio ingest", "no audio source", nil))
		return
	}
	pcm, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAudioBytes))
	if err != nil {
		badRequest(w, "audio body too large or unreadable")
		return
	}
	frame := protocol.AudioFrame{
		SessionID:  sess.ID(),
		SampleRate: s.opts.Speech.SampleRate,
		Channels:   s.opts.Speech.Channels,
		PCM:        pcm,
	}
	query := r.URL.Query()
	if v := query.Get("final"); v != "" {
		final, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(w, "final must be a boolean")
			return
		}
		frame.Final = final
	}
	if v := query.Get("seq"); v != "" {
		seq, err := strconv.Atoi(v)
		if err != nil || seq < 0 {
			badRequest(w, "seq must be a non-negative integer")
			return
		}
		frame.Sequence = seq
	}
	if v := query.Get("rate"); v != "" {
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			badRequest(w, "rate must be a positive integer")
			return
		}
		frame.SampleRate = rate
	}
	if err := s.opts.Ingester.Ingest(frame); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSessionAnalyze(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if _, err := sess.Analyze(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.View())
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "slack"
	}
	text, err := sess.Summary(format)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse{Format: format, Text: text})
}

type eventView struct {
	Type      string          `json:"type"`
	TraceID   string          `json:"traceId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type eventsResponse struct {
	Events []eventView `json:"events"`
}

// handleSessionEvents serves the stored timeline. It works for discarded
// sessions too, as long as their history is kept.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Timeline == nil {
		writeError(w, failure.Wrap(failure.ErrPersistence, "session events", "history is disabled", nil))
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events, err := s.opts.Timeline.ListSessionEvents(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := eventsResponse{Events: make([]eventView, 0, len(events))}
	for _, e := range events {
		v := eventView{Type: e.Type, TraceID: e.TraceID, CreatedAt: e.CreatedAt}
		if json.Valid(e.Payload) {
			v.Payload = e.Payload
		}
		out.Events = append(out.Events, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	if s.opts.Reports == nil {
		writeError(w, failure.Wrap(failure.ErrPersistence, "list reports", "history is disabled", nil))
		return
	}
	if date := r.URL.Query().Get("date"); date != "" {
		day, err := time.ParseInLocation(dateLayout, date, s.opts.Reports.Location())
		if err != nil {
			badRequest(w, "date must be YYYY-MM-DD")
			return
		}
		rec, ok, err := s.opts.Reports.FindRecordByDate(r.Context(), day)
		if err != nil {
			writeError(w, err)
			return
		}
		records := []report.Record{}
		if ok {
			records = append(records, rec)
		}
		writeJSON(w, http.StatusOK, reportsResponse{Records: records})
		return
	}
	records, err := s.opts.Reports.ListRecords(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []report.Record{}
	}
	writeJSON(w, http.StatusOK, reportsResponse{Records: records})
}

func (s *Server) handleClearReports(w http.ResponseWriter, r *http.Request) {
	if s.opts.Reports == nil {
		writeError(w, failure.Wrap(failure.ErrPersistence, "clear reports", "history is disabled", nil))
		return
	}
	n, err := s.opts.Reports.ClearRecords(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clearResponse{Deleted: n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Kind: string(failure.KindValidation)})
}

func writeError(w http.ResponseWriter, err error) {
	kind := failure.KindOf(err)
	if errors.Is(err, session.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found", Kind: "not_found"})
		return
	}
	writeJSON(w, statusFor(kind), errorResponse{
		Error:   http.StatusText(statusFor(kind)),
		Kind:    string(kind),
		Details: err.Error(),
	})
}

func statusFor(kind failure.Kind) int {
	switch kind {
	case failure.KindValidation:
		return http.StatusBadRequest
	case failure.KindPermissionDenied:
		return http.StatusForbidden
	case failure.KindConflict:
		return http.StatusConflict
	case failure.KindSchema, failure.KindUpstream, failure.KindRecognition:
		return http.StatusBadGateway
	case failure.KindConfiguration, failure.KindPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
