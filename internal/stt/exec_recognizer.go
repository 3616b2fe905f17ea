package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/loqalabs/standup-recorder/internal/config"
	"github.com/loqalabs/standup-recorder/internal/failure"
	"github.com/mattn/go-shellwords"
)

// execRecognizer runs a local speech-to-text command once per utterance,
// for example whisper.cpp. The command line may reference {audio},
// {language} and {model}; without an {audio} placeholder the WAV path and
// options are appended as --audio, --language, --model and --partial.
type execRecognizer struct {
	argv     []string
	language string
	model    string
}

func NewExecRecognizer(cfg config.SpeechConfig) (Recognizer, error) {
	argv, err := shellwords.Parse(cfg.Command)
	if err != nil {
		return nil, failure.Wrap(failure.ErrConfiguration, "stt exec", "parse speech command", err)
	}
	if len(argv) == 0 {
		return nil, failure.Wrap(failure.ErrConfiguration, "stt exec", "speech command is empty", nil)
	}
	return &execRecognizer{argv: argv, language: cfg.Language, model: cfg.ModelPath}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	file, cleanup, err := tempWAV(pcm, sampleRate, channels)
	if err != nil {
		return TranscriptResult{}, err
	}
	defer cleanup()

	args := r.args(file.Name(), final)
	cmd := exec.CommandContext(ctx, r.argv[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("%s: %w: %s", r.argv[0], err, strings.TrimSpace(stderr.String()))
	}
	return parseExecOutput(stdout.Bytes())
}

func (r *execRecognizer) args(audioPath string, final bool) []string {
	templated := false
	args := make([]string, 0, len(r.argv)+7)
	for _, arg := range r.argv[1:] {
		if strings.Contains(arg, "{audio}") {
			templated = true
		}
		arg = strings.NewReplacer("{audio}", audioPath, "{language}", r.language, "{model}", r.model).Replace(arg)
		args = append(args, arg)
	}
	if templated {
		return args
	}
	args = append(args, "--audio", audioPath)
	if r.model != "" {
		args = append(args, "--model", r.model)
	}
	if r.language != "" {
		args = append(args, "--language", r.language)
	}
	if !final {
		args = append(args, "--partial")
	}
	return args
}

// parseExecOutput accepts {"text", "confidence"} JSON or plain text.
func parseExecOutput(out []byte) (TranscriptResult, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return TranscriptResult{Text: strings.Join(strings.Fields(string(trimmed)), " ")}, nil
	}
	var resp struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode recognizer output: %w", err)
	}
	return TranscriptResult{Text: strings.TrimSpace(resp.Text), Confidence: resp.Confidence}, nil
}
