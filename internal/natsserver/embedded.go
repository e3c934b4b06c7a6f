// Package natsserver hosts an in-process NATS broker for the progress bus.
package natsserver

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-ttsplay/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 5 * time.Second

// EmbeddedServer is a loopback-only NATS broker that lives as long as one ttsplay run.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start launches the broker when the bus is enabled in embedded mode and returns nil otherwise.
// cfg.Port of -1 binds a random free port; ClientURL reports the one chosen.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Enabled || !cfg.Embedded {
		return nil, nil
	}

	ns, err := server.NewServer(brokerOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, errors.New("embedded NATS server not ready for connections")
	}

	e := &EmbeddedServer{
		ns:  ns,
		log: log.With(slog.String("component", "embedded-nats")),
	}
	e.log.Info("progress broker listening", slog.String("url", e.ClientURL()))
	return e, nil
}

// Progress notices are fire-and-forget, so the broker keeps no JetStream state on disk.
func brokerOptions(cfg config.BusConfig) *server.Options {
	return &server.Options{
		ServerName: "ttsplay-" + cfg.SubjectPrefix,
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		JetStream:  false,
		NoLog:      true,
		NoSigs:     true,
	}
}

// ClientURL is the nats:// address observers and the bus client dial.
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Shutdown stops the broker and waits for it to exit. A nil server is a no-op.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
	e.log.Info("progress broker stopped")
}
