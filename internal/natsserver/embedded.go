package natsserver

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/standup-recorder/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

// MaxPayload raises the 1MB NATS default so large capture chunks fit in one
// message.
const MaxPayload = 4 << 20

const readyTimeout = 5 * time.Second

var errNotReady = errors.New("embedded broker not ready")

// Broker is an in-process NATS server for single-machine deployments.
type Broker struct {
	ns  *server.Server
	log *slog.Logger
}

// Start runs an embedded broker when cfg asks for one and returns nil
// otherwise. JetStream is only enabled with a store directory.
func Start(cfg config.BusConfig, log *slog.Logger) (*Broker, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "natsserver"))

	opts := &server.Options{
		ServerName: "standupd",
		Host:       cfg.Host,
		Port:       cfg.Port,
		MaxPayload: MaxPayload,
		JetStream:  cfg.StoreDir != "",
		StoreDir:   cfg.StoreDir,
		NoSigs:     true,
		NoLog:      true,
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("configure embedded broker: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, errNotReady
	}

	log.Info("embedded broker listening", "url", ns.ClientURL(), "jetstream", opts.JetStream)
	return &Broker{ns: ns, log: log}, nil
}

// ClientURL is empty for a nil broker.
func (b *Broker) ClientURL() string {
	if b == nil || b.ns == nil {
		return ""
	}
	return b.ns.ClientURL()
}

func (b *Broker) Shutdown() {
	if b == nil || b.ns == nil {
		return
	}
	b.log.Info("stopping embedded broker")
	b.ns.Shutdown()
	b.ns.WaitForShutdown()
}
