package analysis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/standup-recorder/internal/bus"
	"github.com/loqalabs/standup-recorder/internal/config"
	"github.com/loqalabs/standup-recorder/internal/failure"
	"github.com/loqalabs/standup-recorder/internal/llm"
	"github.com/loqalabs/standup-recorder/internal/natsserver"
	"github.com/loqalabs/standup-recorder/internal/protocol"
	"github.com/loqalabs/standup-recorder/internal/report"
	"github.com/nats-io/nats.go"
)

type stubGenerator struct {
	calls   atomic.Int32
	content string
	err     error
	lastReq llm.Request
}

func (s *stubGenerator) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	s.calls.Add(1)
	s.lastReq = req
	if s.err != nil {
		return s.err
	}
	return consumer(llm.Chunk{Content: s.content})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAnalyzeRejectsEmptyTranscript(t *testing.T) {
	gen := &stubGenerator{content: `{"blockers":[]}`}
	gw := NewGateway(gen, config.AnalysisConfig{}, testLogger())
	for _, transcript := range []string{"", "   \n\t"} {
		if _, err := gw.Analyze(context.Background(), "s1", transcript); !errors.Is(err, failure.ErrValidation) {
			t.Fatalf("expected validation error for %q, got %v", transcript, err)
		}
	}
	if gen.calls.Load() != 0 {
		t.Fatalf("backend must not be called, got %d calls", gen.calls.Load())
	}
}

func TestAnalyzeNonJSONIsSchemaError(t *testing.T) {
	gen := &stubGenerator{content: "Sure! Here is a summary of your standup."}
	gw := NewGateway(gen, config.AnalysisConfig{}, testLogger())
	rep, err := gw.Analyze(context.Background(), "s1", "Yesterday I fixed the login bug.")
	if !errors.Is(err, failure.ErrSchema) {
		t.Fatalf("expected schema error, got %v", err)
	}
	if !rep.Empty() {
		t.Fatalf("report must stay unset, got %+v", rep)
	}
	if gen.calls.Load() != 1 {
		t.Fatalf("expected exactly one call without retry, got %d", gen.calls.Load())
	}
}

func TestAnalyzeUpstreamErrorNotRetried(t *testing.T) {
	gen := &stubGenerator{err: errors.New("connection reset")}
	gw := NewGateway(gen, config.AnalysisConfig{}, testLogger())
	if _, err := gw.Analyze(context.Background(), "s1", "Today I will write tests."); !errors.Is(err, failure.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if gen.calls.Load() != 1 {
		t.Fatalf("expected no retries, got %d calls", gen.calls.Load())
	}
}

func TestAnalyzeKeepsConfigurationKind(t *testing.T) {
	gen := &stubGenerator{err: failure.Wrap(failure.ErrConfiguration, "llm azure", "missing deployment", nil)}
	gw := NewGateway(gen, config.AnalysisConfig{}, testLogger())
	if _, err := gw.Analyze(context.Background(), "s1", "notes"); !errors.Is(err, failure.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := NewGateway(nil, config.AnalysisConfig{}, testLogger()).Analyze(context.Background(), "s1", "notes"); !errors.Is(err, failure.ErrConfiguration) {
		t.Fatalf("expected configuration error without backend, got %v", err)
	}
}

func TestAnalyzePromptCarriesTranscript(t *testing.T) {
	gen := &stubGenerator{content: `{"completedYesterday":["Fixed the login bug"],"plannedToday":[],"blockers":[],"keywords":[]}`}
	gw := NewGateway(gen, config.AnalysisConfig{MaxTokens: 800, Temperature: 0.2}, testLogger())
	rep, err := gw.Analyze(context.Background(), "s1", "Yesterday I fixed the login bug.")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if rep.CompletedYesterday[0] != "Fixed the login bug" {
		t.Fatalf("unexpected report %+v", rep)
	}
	req := gen.lastReq
	if !strings.Contains(req.Prompt, "Yesterday I fixed the login bug.") || !strings.Contains(req.System, "completedYesterday") {
		t.Fatalf("unexpected prompt %+v", req)
	}
	if !req.JSON || req.MaxTokens != 800 || req.Temperature != 0.2 {
		t.Fatalf("request defaults not applied: %+v", req)
	}
}

func TestAnalyzeStandupScenarioWithMock(t *testing.T) {
	gw := NewGateway(llm.NewMockGenerator(), config.AnalysisConfig{}, testLogger())
	rep, err := gw.Analyze(context.Background(), "s1", "Yesterday I fixed the login bug. Today I will write tests. I'm blocked on API access.")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !containsText(rep.Blockers, "API access") || !containsText(rep.CompletedYesterday, "login bug") {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestBusResponder(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1}, testLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()
	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	gw := NewGateway(llm.NewMockGenerator(), config.AnalysisConfig{}, testLogger())
	responder := NewBusResponder(context.Background(), conn, gw, time.Second, testLogger())
	if err := responder.Start(); err != nil {
		t.Fatalf("start responder: %v", err)
	}
	defer responder.Close()
	if !responder.Healthy() {
		t.Fatal("expected healthy responder")
	}

	client := bus.NewClient(conn, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var reply protocol.AnalyzeReply
	if err := client.RequestJSON(ctx, protocol.SubjectAnalyze, protocol.AnalyzeRequest{Transcript: "Today I will write tests."}, &reply); err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Error != "" {
		t.Fatalf("unexpected error reply %+v", reply)
	}
	rep, err := report.Decode(reply.Result)
	if err != nil || !containsText(rep.PlannedToday, "write tests") {
		t.Fatalf("unexpected result %q (%v)", reply.Result, err)
	}

	reply = protocol.AnalyzeReply{}
	if err := client.RequestJSON(ctx, protocol.SubjectAnalyze, protocol.AnalyzeRequest{Transcript: " "}, &reply); err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Kind != string(failure.KindValidation) {
		t.Fatalf("expected validation kind, got %+v", reply)
	}
}

func containsText(items []string, needle string) bool {
	for _, item := range items {
		if strings.Contains(strings.ToLower(item), strings.ToLower(needle)) {
			return true
		}
	}
	return false
}
