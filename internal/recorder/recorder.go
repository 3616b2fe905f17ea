// Package recorder implements the transcript accumulator: the per-session
// state machine that owns the microphone, the recognition subscription, the
// elapsed-time ticker and the committed transcript.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/standup-recorder/internal/capture"
	"github.com/loqalabs/standup-recorder/internal/failure"
	"github.com/loqalabs/standup-recorder/internal/protocol"
	"github.com/loqalabs/standup-recorder/internal/stt"
)

const (
	DefaultCapSeconds   = 120
	DefaultTickInterval = time.Second
	DefaultStopTimeout  = 10 * time.Second
)

type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StateStopped   State = "stopped"
)

var (
	ErrBusy              = fmt.Errorf("%w: recorder is busy", failure.ErrConflict)
	ErrInvalidTransition = fmt.Errorf("%w: invalid recorder transition", failure.ErrConflict)
)

// Transcriber opens a recognition subscription over a frame stream.
type Transcriber interface {
	Open(ctx context.Context, sessionID string, frames <-chan protocol.AudioFrame) (*stt.Subscription, error)
}

// Ticker is the subset of time.Ticker the recorder uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type TickerFactory func(d time.Duration) Ticker

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

type Options struct {
	SessionID    string
	CapSeconds   int
	TickInterval time.Duration
	// StopTimeout bounds how long Stop waits for recognition to finish the
	// audio already captured.
	StopTimeout time.Duration
	Source      capture.Source
	Transcriber Transcriber
	Logger      *slog.Logger
	NewTicker   TickerFactory
	// OnChange receives a snapshot after every state change. It runs outside
	// the recorder lock and must not block for long.
	OnChange func(Snapshot)
	// OnError receives recognition failures that stopped a recording.
	OnError func(error)
}

// Snapshot is a point-in-time view of the recorder. Version increases with
// every change so observers can discard stale snapshots.
type Snapshot struct {
	SessionID      string `json:"sessionId"`
	State          State  `json:"state"`
	ElapsedSeconds int    `json:"elapsedSeconds"`
	CapSeconds     int    `json:"capSeconds"`
	Transcript     string `json:"transcript"`
	Preview        string `json:"preview,omitempty"`
	// Finalizing is set while a stopped recording still waits for its last
	// recognition results.
	Finalizing bool   `json:"finalizing,omitempty"`
	Version    uint64 `json:"version"`
}

// Display returns the committed transcript followed by the live preview.
func (s Snapshot) Display() string {
	return joinText(s.Transcript, s.Preview)
}

type Recorder struct {
	opts Options
	log  *slog.Logger

	mu         sync.Mutex
	state      State
	elapsed    int
	transcript string
	preview    string
	version    uint64
	generation uint64
	starting   bool
	finalizing bool

	stream capture.Stream
	sub    *stt.Subscription
	ticker Ticker
	done   chan struct{}
	exited chan struct{}
	wg     sync.WaitGroup
}

func New(opts Options) *Recorder {
	if opts.CapSeconds <= 0 {
		opts.CapSeconds = DefaultCapSeconds
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.NewTicker == nil {
		opts.NewTicker = newTimeTicker
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		opts:  opts,
		log:   logger.With(slog.String("component", "recorder"), slog.String("session_id", opts.SessionID)),
		state: StateIdle,
	}
}

// Start acquires the microphone, opens recognition and begins ticking. It is
// valid from Idle or Stopped. A transcript committed by an earlier recording
// is kept and appended to; elapsed time restarts at zero.
func (r *Recorder) Start(ctx context.Context) error {
	if r.opts.Source == nil || r.opts.Transcriber == nil {
		return failure.Wrap(failure.ErrConfiguration, "recorder start", "no audio source or transcriber", nil)
	}
	r.mu.Lock()
	if r.starting || r.finalizing {
		r.mu.Unlock()
		return ErrBusy
	}
	if r.state == StateRecording {
		r.mu.Unlock()
		return ErrInvalidTransition
	}
	r.starting = true
	r.mu.Unlock()

	stream, err := r.opts.Source.Acquire(ctx, r.opts.SessionID)
	if err != nil {
		r.clearStarting()
		return err
	}
	// recognition outlives the request that started it
	sub, err := r.opts.Transcriber.Open(context.WithoutCancel(ctx), r.opts.SessionID, stream.Frames())
	if err != nil {
		if releaseErr := stream.Release(); releaseErr != nil {
			r.log.Warn("release microphone after failed open", slog.String("error", releaseErr.Error()))
		}
		r.clearStarting()
		return err
	}

	r.mu.Lock()
	r.starting = false
	r.state = StateRecording
	r.elapsed = 0
	r.preview = ""
	r.generation++
	r.stream = stream
	r.sub = sub
	r.ticker = r.opts.NewTicker(r.opts.TickInterval)
	r.done = make(chan struct{})
	r.exited = make(chan struct{})
	gen, ticks, done, exited := r.generation, r.ticker.C(), r.done, r.exited
	r.wg.Add(1)
	go r.pump(gen, sub, ticks, done, exited)
	snap := r.changedLocked()
	r.mu.Unlock()

	r.log.Info("recording started", slog.Uint64("generation", gen))
	r.notify(snap)
	return nil
}

func (r *Recorder) clearStarting() {
	r.mu.Lock()
	r.starting = false
	r.mu.Unlock()
}

// OnFragment applies a fragment to the current recording.
func (r *Recorder) OnFragment(f stt.Fragment) error {
	r.mu.Lock()
	gen := r.generation
	r.mu.Unlock()
	if !r.apply(gen, f) {
		return ErrInvalidTransition
	}
	return nil
}

// Tick advances elapsed time by one second and stops the recording once the
// cap is reached.
func (r *Recorder) Tick() error {
	r.mu.Lock()
	gen := r.generation
	r.mu.Unlock()
	if !r.tick(gen, false) {
		return ErrInvalidTransition
	}
	return nil
}

// Stop ends the recording. It is a no-op unless the recorder is Recording.
func (r *Recorder) Stop() {
	r.mu.Lock()
	gen := r.generation
	r.mu.Unlock()
	r.stop(gen, "user", false)
}

// Reset clears the transcript and returns to Idle. Reset from Idle is a no-op.
func (r *Recorder) Reset() error {
	r.mu.Lock()
	if r.finalizing {
		r.mu.Unlock()
		return ErrBusy
	}
	switch r.state {
	case StateRecording:
		r.mu.Unlock()
		return ErrInvalidTransition
	case StateIdle:
		r.mu.Unlock()
		return nil
	}
	r.state = StateIdle
	r.elapsed = 0
	r.transcript = ""
	r.preview = ""
	snap := r.changedLocked()
	r.mu.Unlock()

	r.notify(snap)
	return nil
}

// Close stops any recording and waits for background work to finish. It must
// not be called from OnChange or OnError.
func (r *Recorder) Close() {
	r.Stop()
	r.wg.Wait()
}

func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// changedLocked records a state change and returns the new snapshot.
func (r *Recorder) changedLocked() Snapshot {
	r.version++
	return r.snapshotLocked()
}

func (r *Recorder) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID:      r.opts.SessionID,
		State:          r.state,
		ElapsedSeconds: r.elapsed,
		CapSeconds:     r.opts.CapSeconds,
		Transcript:     r.transcript,
		Preview:        r.preview,
		Finalizing:     r.finalizing,
		Version:        r.version,
	}
}

func (r *Recorder) pump(gen uint64, sub *stt.Subscription, ticks <-chan time.Time, done, exited chan struct{}) {
	defer r.wg.Done()
	defer close(exited)
	events := sub.Events()
	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Err != nil {
				r.fail(gen, ev.Err)
				return
			}
			r.apply(gen, ev.Fragment)
		case <-ticks:
			r.tick(gen, true)
		}
	}
}

// apply commits a fragment of generation gen. Once the recording is stopped
// only final fragments still in flight are accepted.
func (r *Recorder) apply(gen uint64, f stt.Fragment) bool {
	r.mu.Lock()
	live := r.state == StateRecording
	if gen != r.generation || !(live || (r.finalizing && f.IsFinal)) {
		r.mu.Unlock()
		return false
	}
	text := strings.TrimSpace(f.Text)
	switch {
	case f.IsFinal:
		r.transcript = joinText(r.transcript, text)
		r.preview = ""
	case live:
		r.preview = text
	}
	snap := r.changedLocked()
	r.mu.Unlock()

	r.notify(snap)
	return true
}

func (r *Recorder) tick(gen uint64, fromPump bool) bool {
	r.mu.Lock()
	if gen != r.generation || r.state != StateRecording {
		r.mu.Unlock()
		return false
	}
	if r.elapsed < r.opts.CapSeconds {
		r.elapsed++
	}
	capped := r.elapsed >= r.opts.CapSeconds
	snap := r.changedLocked()
	r.mu.Unlock()

	r.notify(snap)
	if capped {
		r.stop(gen, "cap", fromPump)
	}
	return true
}

func (r *Recorder) fail(gen uint64, err error) {
	if r.stop(gen, "recognition error", true) {
		r.log.Warn("recording stopped by recognition failure", slog.String("error", err.Error()))
		if r.opts.OnError != nil {
			r.opts.OnError(err)
		}
	}
}

// stop tears down the recording of generation gen. Each resource is released
// exactly once; only the caller that wins the transition does the teardown.
// Releasing the microphone ends the frame stream, so recognition flushes the
// utterance it buffered; its final results are committed before the
// subscription is closed. fromPump is set when the caller is the recording's
// own pump goroutine.
func (r *Recorder) stop(gen uint64, reason string, fromPump bool) bool {
	r.mu.Lock()
	if gen != r.generation || r.state != StateRecording {
		r.mu.Unlock()
		return false
	}
	r.state = StateStopped
	r.preview = ""
	r.finalizing = true
	stream, sub, ticker, done, exited := r.stream, r.sub, r.ticker, r.done, r.exited
	r.stream, r.sub, r.ticker, r.done, r.exited = nil, nil, nil, nil, nil
	close(done)
	snap := r.changedLocked()
	r.mu.Unlock()

	ticker.Stop()
	if !fromPump {
		// the drain below must be the only reader of the events
		<-exited
	}
	r.notify(snap)
	if err := stream.Release(); err != nil {
		r.log.Warn("release microphone", slog.String("error", err.Error()))
	}
	r.drain(gen, sub)
	sub.Close()

	r.mu.Lock()
	r.finalizing = false
	snap = r.changedLocked()
	r.mu.Unlock()

	r.log.Info("recording stopped",
		slog.String("reason", reason),
		slog.Int("elapsed_seconds", snap.ElapsedSeconds),
		slog.Int("transcript_len", len(snap.Transcript)))
	r.notify(snap)
	return true
}

// drain commits the final fragments recognition still delivers after the
// frame stream ended. It gives up after StopTimeout.
func (r *Recorder) drain(gen uint64, sub *stt.Subscription) {
	timer := time.NewTimer(r.opts.StopTimeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Err != nil {
				r.log.Warn("recognition failed while finishing", slog.String("error", ev.Err.Error()))
				return
			}
			if ev.Fragment.IsFinal {
				r.apply(gen, ev.Fragment)
			}
		case <-timer.C:
			r.log.Warn("recognition did not finish before stop timeout", slog.Duration("timeout", r.opts.StopTimeout))
			return
		}
	}
}

func (r *Recorder) notify(snap Snapshot) {
	if r.opts.OnChange != nil {
		r.opts.OnChange(snap)
	}
}

func joinText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}
