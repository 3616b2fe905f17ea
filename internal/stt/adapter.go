package stt

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/standup-recorder/internal/config"
	"github.com/loqalabs/standup-recorder/internal/failure"
	"github.com/loqalabs/standup-recorder/internal/protocol"
)

const defaultTranscribeTimeout = 45 * time.Second

// Fragment is one recognition result. Interim fragments preview the utterance
// in progress; a final fragment replaces them.
type Fragment struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// Event is delivered on a Subscription. Exactly one of Fragment and Err is
// meaningful; an error ends the stream.
type Event struct {
	Fragment Fragment
	Err      error
}

// Publisher mirrors fragments onto the bus. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Adapter turns a stream of audio frames into recognition events.
type Adapter struct {
	cfg        config.SpeechConfig
	recognizer Recognizer
	publisher  Publisher
	logger     *slog.Logger
	now        func() time.Time
}

type AdapterOption func(*Adapter)

// WithPublisher broadcasts every fragment on the transcript subjects.
func WithPublisher(p Publisher) AdapterOption {
	return func(a *Adapter) { a.publisher = p }
}

// WithClock overrides the clock used for interim pacing.
func WithClock(now func() time.Time) AdapterOption {
	return func(a *Adapter) {
		if now != nil {
			a.now = now
		}
	}
}

func NewAdapter(cfg config.SpeechConfig, recognizer Recognizer, logger *slog.Logger, opts ...AdapterOption) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		cfg:        cfg,
		recognizer: recognizer,
		logger:     logger.With(slog.String("component", "stt")),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Subscription is a live recognition stream. Events is closed when the frame
// source ends, a recognition error is delivered, or Close is called.
type Subscription struct {
	sessionID string
	events    chan Event
	cancel    context.CancelFunc
	done      chan struct{}
	once      sync.Once
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close stops recognition and waits for the worker to exit. After Close
// returns no further events are delivered. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
	<-s.done
}

// Open starts recognizing frames for sessionID.
func (a *Adapter) Open(ctx context.Context, sessionID string, frames <-chan protocol.AudioFrame) (*Subscription, error) {
	if a.recognizer == nil {
		return nil, failure.Wrap(failure.ErrConfiguration, "stt open", "no recognizer configured", nil)
	}
	if frames == nil {
		return nil, failure.Wrap(failure.ErrRecognition, "stt open", "no audio source", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, failure.Wrap(failure.ErrRecognition, "stt open", "", err)
	}
	workerCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		sessionID: sessionID,
		events:    make(chan Event),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go a.run(workerCtx, sub, frames)
	return sub, nil
}

func (a *Adapter) run(ctx context.Context, sub *Subscription, frames <-chan protocol.AudioFrame) {
	defer close(sub.done)
	defer close(sub.events)

	var buffer []byte
	var lastPartial time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				if len(buffer) > 0 {
					a.transcribe(ctx, sub, buffer, true)
				}
				return
			}
			buffer = append(buffer, frame.PCM...)
			if frame.Final {
				if len(buffer) > 0 && !a.transcribe(ctx, sub, buffer, true) {
					return
				}
				buffer = nil
				lastPartial = time.Time{}
				continue
			}
			if a.cfg.PublishInterim && len(buffer) > 0 && a.partialDue(lastPartial) {
				lastPartial = a.now()
				if !a.transcribe(ctx, sub, buffer, false) {
					return
				}
			}
		}
	}
}

func (a *Adapter) partialDue(last time.Time) bool {
	if last.IsZero() {
		return true
	}
	interval := time.Duration(a.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return true
	}
	return a.now().Sub(last) >= interval
}

// transcribe runs the recognizer and delivers the result. It reports whether
// the stream should continue.
func (a *Adapter) transcribe(ctx context.Context, sub *Subscription, pcm []byte, final bool) bool {
	timeout := defaultTranscribeTimeout
	if a.cfg.TimeoutMS > 0 {
		timeout = time.Duration(a.cfg.TimeoutMS) * time.Millisecond
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := a.recognizer.Transcribe(callCtx, pcm, a.cfg.SampleRate, a.cfg.Channels, final)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		a.logger.Warn("stt transcription failed", slog.String("session_id", sub.sessionID), slogError(err))
		a.deliver(ctx, sub, Event{Err: failure.Wrap(failure.ErrRecognition, "stt transcribe", "", err)})
		return false
	}
	if result.Text == "" {
		return true
	}
	fragment := Fragment{Text: result.Text, IsFinal: final, Confidence: result.Confidence}
	a.publishTranscript(sub.sessionID, fragment)
	return a.deliver(ctx, sub, Event{Fragment: fragment})
}

func (a *Adapter) deliver(ctx context.Context, sub *Subscription, ev Event) bool {
	select {
	case sub.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *Adapter) publishTranscript(sessionID string, fragment Fragment) {
	if a.publisher == nil {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if fragment.IsFinal {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       fragment.Text,
		Partial:    !fragment.IsFinal,
		Timestamp:  a.now().UTC(),
		Confidence: fragment.Confidence,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		a.logger.Warn("failed to marshal transcript", slogError(err))
		return
	}
	if err := a.publisher.Publish(subject, data); err != nil {
		a.logger.Warn("failed to publish transcript", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
