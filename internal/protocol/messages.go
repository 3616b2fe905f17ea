package protocol

import "time"

// AudioFrame carries PCM audio captured by the browser for one session.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents a recognized fragment broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// SessionState is published whenever a recording session changes state.
type SessionState struct {
	SessionID      string    `json:"session_id"`
	State          string    `json:"state"`
	ElapsedSeconds int       `json:"elapsed_seconds"`
	TranscriptLen  int       `json:"transcript_len"`
	Timestamp      time.Time `json:"timestamp"`
}

// AnalyzeRequest asks the analysis responder to structure a transcript.
type AnalyzeRequest struct {
	SessionID  string `json:"session_id,omitempty"`
	Transcript string `json:"transcript"`
}

// AnalyzeReply carries either a JSON-encoded report or a classified error.
type AnalyzeReply struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

const (
	SubjectAudioFramePrefix   = "audio.frame"
	SubjectTranscriptPartial  = "stt.text.partial"
	SubjectTranscriptFinal    = "stt.text.final"
	SubjectSessionStatePrefix = "standup.session"
	SubjectAnalyze            = "standup.analyze"
)

// AudioFrameSubject returns the subject carrying frames for sessionID.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}

// SessionStateSubject returns the subject carrying state changes for sessionID.
func SessionStateSubject(sessionID string) string {
	return SubjectSessionStatePrefix + "." + sessionID
}
