package session

import (
	"errors"
	"time"

	"github.com/loqalabs/standup-recorder/internal/failure"
)

const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelError   = "error"

	maxNotices = 20
)

// Notice is a user-visible notification. Every failure that reaches a
// session boundary ends up as one.
type Notice struct {
	Kind    string `json:"kind"`
	Level   string `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
	// Retryable tells the client whether trying again can succeed without
	// changing the deployment.
	Retryable bool      `json:"retryable"`
	At        time.Time `json:"at"`
}

func noticeFor(err error, at time.Time) Notice {
	kind := failure.KindOf(err)
	n := Notice{Kind: string(kind), Level: LevelError, Retryable: failure.Recoverable(err), At: at}
	switch kind {
	case failure.KindPermissionDenied:
		n.Title = "Microphone access denied"
		n.Message = "Please allow microphone access to record your standup."
	case failure.KindRecognition:
		n.Title = "Recognition error"
		n.Message = "Speech recognition stopped. Your transcript so far has been kept."
	case failure.KindValidation:
		n.Title = "No transcript to analyze"
		n.Message = "Please record your standup first."
	case failure.KindSchema:
		n.Title = "Analysis format error"
		n.Message = "The analysis came back in an unexpected format. Please try again."
	case failure.KindUpstream:
		n.Title = "Analysis failed"
		n.Message = "Failed to analyze transcript. Please try again."
	case failure.KindConfiguration:
		n.Title = "Service not configured"
		n.Message = "The speech or analysis service is missing credentials."
	case failure.KindPersistence:
		n.Title = "History unavailable"
		n.Message = "The report could not be saved to history."
	case failure.KindConflict:
		n.Title = "Please wait"
		n.Message = conflictMessage(err)
	default:
		n.Title = "Something went wrong"
		n.Message = "An unexpected error occurred."
	}
	return n
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, ErrAnalysisInFlight):
		return "An analysis is already in progress."
	case errors.Is(err, ErrRecording):
		return "Stop recording before analyzing."
	case errors.Is(err, ErrSessionBusy):
		return "The session is still changing state."
	default:
		return "The recorder is busy."
	}
}
