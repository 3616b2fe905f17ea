package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/standup-recorder/internal/failure"
	"github.com/loqalabs/standup-recorder/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusResponder answers analysis requests on the bus so other processes can
// reuse the gateway.
type BusResponder struct {
	conn     *nats.Conn
	analyzer Analyzer
	timeout  time.Duration
	sub      *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func NewBusResponder(parent context.Context, conn *nats.Conn, analyzer Analyzer, timeout time.Duration, logger *slog.Logger) *BusResponder {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	return &BusResponder{
		conn:     conn,
		analyzer: analyzer,
		timeout:  timeout,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.With(slog.String("component", "analysis-responder")),
	}
}

func (r *BusResponder) Start() error {
	sub, err := r.conn.Subscribe(protocol.SubjectAnalyze, r.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe analysis requests: %w", err)
	}
	r.sub = sub
	return nil
}

func (r *BusResponder) Close() {
	r.cancel()
	if r.sub != nil {
		_ = r.sub.Drain()
	}
	r.wg.Wait()
}

func (r *BusResponder) Healthy() bool {
	return r.sub != nil && r.sub.IsValid()
}

func (r *BusResponder) handleRequest(msg *nats.Msg) {
	var req protocol.AnalyzeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.respond(msg, protocol.AnalyzeReply{
			Error: "invalid request",
			Kind:  string(failure.KindValidation),
		})
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
		defer cancel()

		rep, err := r.analyzer.Analyze(ctx, req.SessionID, req.Transcript)
		if err != nil {
			r.respond(msg, protocol.AnalyzeReply{Error: err.Error(), Kind: string(failure.KindOf(err))})
			return
		}
		encoded, err := rep.Encode()
		if err != nil {
			r.respond(msg, protocol.AnalyzeReply{Error: err.Error(), Kind: string(failure.KindInternal)})
			return
		}
		r.respond(msg, protocol.AnalyzeReply{Result: encoded})
	}()
}

func (r *BusResponder) respond(msg *nats.Msg, reply protocol.AnalyzeReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		r.logger.Warn("failed to marshal analysis reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Warn("failed to send analysis reply", slog.String("error", err.Error()))
	}
}
