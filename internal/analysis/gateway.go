// Package analysis turns a transcript into a structured standup report using
// a language-model backend.
package analysis

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/standup-recorder/internal/config"
	"github.com/loqalabs/standup-recorder/internal/failure"
	"github.com/loqalabs/standup-recorder/internal/llm"
	"github.com/loqalabs/standup-recorder/internal/report"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/standup-recorder/internal/analysis"

// Analyzer is the gateway contract consumed by sessions and the HTTP layer.
type Analyzer interface {
	Analyze(ctx context.Context, sessionID, transcript string) (report.Report, error)
}

// Gateway issues one blocking request per analysis. It never retries; a retry
// is always a deliberate caller action.
type Gateway struct {
	generator llm.Generator
	defaults  llm.Request
	logger    *slog.Logger
	tracer    trace.Tracer
	requests  metric.Int64Counter
	latency   metric.Float64Histogram
}

func NewGateway(generator llm.Generator, cfg config.AnalysisConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		generator: generator,
		defaults:  llm.RequestFromConfig(cfg),
		logger:    logger.With(slog.String("component", "analysis")),
		tracer:    otel.Tracer(instrumentationName),
	}
	meter := otel.Meter(instrumentationName)
	var err error
	if g.requests, err = meter.Int64Counter("standup.analysis.requests",
		metric.WithDescription("Analysis requests by outcome")); err != nil {
		g.logger.Warn("failed to create analysis counter", slog.String("error", err.Error()))
	}
	if g.latency, err = meter.Float64Histogram("standup.analysis.duration",
		metric.WithDescription("Analysis request latency"),
		metric.WithUnit("s")); err != nil {
		g.logger.Warn("failed to create analysis histogram", slog.String("error", err.Error()))
	}
	return g
}

// Analyze structures transcript into a report. An empty transcript is
// rejected before any backend call.
func (g *Gateway) Analyze(ctx context.Context, sessionID, transcript string) (rep report.Report, err error) {
	ctx, span := g.tracer.Start(ctx, "analysis.analyze", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.Int("transcript.length", len(transcript)),
	))
	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = string(failure.KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.SetAttributes(attribute.String("analysis.outcome", outcome))
		span.End()
		attrs := metric.WithAttributes(attribute.String("outcome", outcome))
		if g.requests != nil {
			g.requests.Add(ctx, 1, attrs)
		}
		if g.latency != nil {
			g.latency.Record(ctx, time.Since(start).Seconds(), attrs)
		}
	}()

	if strings.TrimSpace(transcript) == "" {
		return report.Report{}, failure.Wrap(failure.ErrValidation, "analysis", "transcript is required", nil)
	}
	if g.generator == nil {
		return report.Report{}, failure.Wrap(failure.ErrConfiguration, "analysis", "no analysis backend configured", nil)
	}

	req := g.defaults
	req.SessionID = sessionID
	req.System = systemPrompt
	req.Prompt = userPrompt(transcript)
	req.Input = transcript
	req.TraceID = span.SpanContext().TraceID().String()

	content, err := llm.Collect(ctx, g.generator, req)
	if err != nil {
		err = classify(err)
		g.logger.Warn("analysis request failed",
			slog.String("session_id", sessionID),
			slog.String("kind", string(failure.KindOf(err))),
			slog.String("error", err.Error()))
		return report.Report{}, err
	}
	if strings.TrimSpace(content) == "" {
		return report.Report{}, failure.Wrap(failure.ErrUpstream, "analysis", "no response from model", nil)
	}

	rep, err = report.Decode(content)
	if err != nil {
		g.logger.Warn("analysis returned an unusable payload",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
		return report.Report{}, err
	}
	g.logger.Info("analysis complete",
		slog.String("session_id", sessionID),
		slog.Int("blockers", len(rep.Blockers)),
		slog.Duration("latency", time.Since(start)))
	return rep, nil
}

// classify leaves marked errors alone and treats everything else coming out
// of a backend as an upstream failure.
func classify(err error) error {
	if failure.KindOf(err) != failure.KindInternal {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return failure.Wrap(failure.ErrUpstream, "analysis", "request timed out", err)
	}
	return failure.Wrap(failure.ErrUpstream, "analysis", "", err)
}
