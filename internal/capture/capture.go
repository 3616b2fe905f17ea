// Package capture provides microphone audio for a recording session. Frames
// are pushed by the browser, published on the bus and handed to whoever holds
// the session's capture stream. Acquisition waits on the user's permission
// decision.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/standup-recorder/internal/config"
	"github.com/loqalabs/standup-recorder/internal/failure"
	"github.com/loqalabs/standup-recorder/internal/protocol"
	"github.com/nats-io/nats.go"
)

const (
	defaultPermissionTimeout = 30 * time.Second
	// releaseGrace bounds how long a released stream waits for its reader to
	// take frames that were already published.
	releaseGrace = time.Second
)

// Stream is an acquired microphone.
type Stream interface {
	Frames() <-chan protocol.AudioFrame
	Release() error
}

// Source hands out microphone streams.
type Source interface {
	Acquire(ctx context.Context, sessionID string) (Stream, error)
}

// Permission is the user's answer to the microphone prompt.
type Permission string

const (
	PermissionPrompt  Permission = "prompt"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

type decision struct {
	ready   chan struct{}
	granted bool
	decided bool
}

func newDecision() *decision {
	return &decision{ready: make(chan struct{})}
}

func (d *decision) set(granted bool) {
	d.granted = granted
	if !d.decided {
		d.decided = true
		close(d.ready)
	}
}

// BusSource delivers frames published on audio.frame.<session>.
type BusSource struct {
	conn    *nats.Conn
	cfg     config.CaptureConfig
	log     *slog.Logger
	mu      sync.Mutex
	grants  map[string]*decision
	streams map[string]*busStream
}

func NewBusSource(conn *nats.Conn, cfg config.CaptureConfig, log *slog.Logger) *BusSource {
	if log == nil {
		log = slog.Default()
	}
	return &BusSource{
		conn:    conn,
		cfg:     cfg,
		log:     log.With(slog.String("component", "capture")),
		grants:  make(map[string]*decision),
		streams: make(map[string]*busStream),
	}
}

// Grant records the permission decision for sessionID, waking any pending
// Acquire. A grant persists for the session; a denial is consumed by the
// Acquire it answers so the user can be prompted again.
func (s *BusSource) Grant(sessionID string, granted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.grants[sessionID]
	if d == nil || (d.decided && d.granted != granted) {
		d = newDecision()
		s.grants[sessionID] = d
	}
	d.set(granted)
	s.log.Info("microphone permission decided", slog.String("session_id", sessionID), slog.Bool("granted", granted))
}

// Permission reports the current decision for sessionID.
func (s *BusSource) Permission(sessionID string) Permission {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.grants[sessionID]
	switch {
	case d == nil || !d.decided:
		return PermissionPrompt
	case d.granted:
		return PermissionGranted
	default:
		return PermissionDenied
	}
}

// Acquire waits for a permission decision and opens the session's frame
// stream. A session holds at most one stream at a time.
func (s *BusSource) Acquire(ctx context.Context, sessionID string) (Stream, error) {
	s.mu.Lock()
	if _, busy := s.streams[sessionID]; busy {
		s.mu.Unlock()
		return nil, failure.Wrap(failure.ErrConflict, "capture acquire", "microphone already in use", nil)
	}
	d := s.grants[sessionID]
	if d == nil {
		d = newDecision()
		s.grants[sessionID] = d
	}
	s.mu.Unlock()

	timeout := defaultPermissionTimeout
	if s.cfg.PermissionTimeoutMS > 0 {
		timeout = time.Duration(s.cfg.PermissionTimeoutMS) * time.Millisecond
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-d.ready:
	case <-timer.C:
		s.dropDecision(sessionID, d)
		return nil, failure.Wrap(failure.ErrPermissionDenied, "capture acquire", "permission request timed out", nil)
	case <-ctx.Done():
		return nil, failure.Wrap(failure.ErrPermissionDenied, "capture acquire", "permission request cancelled", ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !d.granted {
		if s.grants[sessionID] == d {
			delete(s.grants, sessionID)
		}
		return nil, failure.Wrap(failure.ErrPermissionDenied, "capture acquire", "microphone access denied", nil)
	}
	if _, busy := s.streams[sessionID]; busy {
		return nil, failure.Wrap(failure.ErrConflict, "capture acquire", "microphone already in use", nil)
	}
	stream, err := s.openLocked(sessionID)
	if err != nil {
		return nil, failure.Wrap(failure.ErrPermissionDenied, "capture acquire", "open audio stream", err)
	}
	return stream, nil
}

func (s *BusSource) dropDecision(sessionID string, d *decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grants[sessionID] == d && !d.decided {
		delete(s.grants, sessionID)
	}
}

func (s *BusSource) openLocked(sessionID string) (*busStream, error) {
	if s.conn == nil {
		return nil, fmt.Errorf("bus not connected")
	}
	buffer := s.cfg.FrameBuffer
	if buffer <= 0 {
		buffer = 64
	}
	msgs := make(chan *nats.Msg, buffer)
	sub, err := s.conn.ChanSubscribe(protocol.AudioFrameSubject(sessionID), msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe audio frames: %w", err)
	}
	// Make sure the subscription is registered before the first frame is
	// published from another connection.
	if err := s.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	st := &busStream{
		source:    s,
		sessionID: sessionID,
		sub:       sub,
		msgs:      msgs,
		frames:    make(chan protocol.AudioFrame, buffer),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.streams[sessionID] = st
	go st.pump()
	s.log.Info("microphone acquired", slog.String("session_id", sessionID))
	return st, nil
}

// Ingest publishes a frame pushed by the client. Frames for a session that
// is not capturing are rejected.
func (s *BusSource) Ingest(frame protocol.AudioFrame) error {
	s.mu.Lock()
	_, active := s.streams[frame.SessionID]
	s.mu.Unlock()
	if !active {
		return failure.Wrap(failure.ErrConflict, "capture ingest", "session is not recording", nil)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal audio frame: %w", err)
	}
	if err := s.conn.Publish(protocol.AudioFrameSubject(frame.SessionID), data); err != nil {
		return fmt.Errorf("publish audio frame: %w", err)
	}
	return nil
}

// Forget releases any stream and drops the permission decision for sessionID.
func (s *BusSource) Forget(sessionID string) {
	s.mu.Lock()
	st := s.streams[sessionID]
	delete(s.grants, sessionID)
	s.mu.Unlock()
	if st != nil {
		_ = st.Release()
	}
}

// Active reports how many streams are currently held.
func (s *BusSource) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

type busStream struct {
	source    *BusSource
	sessionID string
	sub       *nats.Subscription
	msgs      chan *nats.Msg
	frames    chan protocol.AudioFrame
	stop      chan struct{}
	done      chan struct{}
	once      sync.Once
	err       error
}

func (st *busStream) Frames() <-chan protocol.AudioFrame {
	return st.frames
}

// Release stops delivery and closes Frames. Frames published before the call
// are still handed over. Safe to call more than once.
func (st *busStream) Release() error {
	st.once.Do(func() {
		if err := st.source.conn.FlushTimeout(releaseGrace); err != nil {
			st.source.log.Warn("flush before release", slog.String("session_id", st.sessionID), slog.String("error", err.Error()))
		}
		st.err = st.sub.Unsubscribe()
		close(st.stop)
		<-st.done
		st.source.mu.Lock()
		if st.source.streams[st.sessionID] == st {
			delete(st.source.streams, st.sessionID)
		}
		st.source.mu.Unlock()
		st.source.log.Info("microphone released", slog.String("session_id", st.sessionID))
	})
	return st.err
}

func (st *busStream) pump() {
	defer close(st.done)
	defer close(st.frames)
	for {
		select {
		case <-st.stop:
			st.forwardPending()
			return
		case msg := <-st.msgs:
			frame, ok := st.decode(msg)
			if !ok {
				continue
			}
			select {
			case st.frames <- frame:
			case <-st.stop:
				if st.forward(frame) {
					st.forwardPending()
				}
				return
			}
		}
	}
}

func (st *busStream) decode(msg *nats.Msg) (protocol.AudioFrame, bool) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		st.source.log.Warn("failed to decode audio frame", slog.String("error", err.Error()))
		return frame, false
	}
	if frame.SessionID == "" {
		frame.SessionID = st.sessionID
	}
	return frame, true
}

// forward hands over a frame after release, waiting at most releaseGrace.
func (st *busStream) forward(frame protocol.AudioFrame) bool {
	timer := time.NewTimer(releaseGrace)
	defer timer.Stop()
	select {
	case st.frames <- frame:
		return true
	case <-timer.C:
		st.source.log.Warn("dropping audio after release", slog.String("session_id", st.sessionID))
		return false
	}
}

// forwardPending delivers the frames already queued when the stream was
// released.
func (st *busStream) forwardPending() {
	for {
		select {
		case msg := <-st.msgs:
			frame, ok := st.decode(msg)
			if ok && !st.forward(frame) {
				return
			}
		default:
			return
		}
	}
}
