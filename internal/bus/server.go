// Package bus implements the hub's event bus: an append-only, sequenced
// broadcast log backed by an embedded NATS server, with bounded
// per-subscriber delivery queues.
package bus

import (
	"fmt"
	"net"
	"os"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/shanelindsay/orchhub/internal/config"
)

// Broker owns a single-process embedded NATS server. It is the transport
// the EventBus publishes on; nothing outside this package talks to it
// directly.
type Broker struct {
	srv *natsserver.Server
}

// NewBroker starts an embedded NATS server listening on cfg.Port (0 picks a
// free port, used in tests) with its JetStream/data directory at
// cfg.DataDir.
func NewBroker(cfg config.BusConfig) (*Broker, error) {
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create bus data dir: %w", err)
		}
	}

	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      cfg.Port,
		JetStream: false,
		StoreDir:  cfg.DataDir,
		NoLog:     true,
		NoSigs:    true,
	}

	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded bus server: %w", err)
	}

	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("bus server not ready after 5s")
	}

	return &Broker{srv: srv}, nil
}

// ClientURL returns the nats:// URL clients should dial.
func (b *Broker) ClientURL() string {
	return b.srv.ClientURL()
}

// Port returns the bound listener port, useful when cfg.Port was 0.
func (b *Broker) Port() int {
	if addr, ok := b.srv.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Close shuts the embedded server down and waits for it to finish.
func (b *Broker) Close() {
	b.srv.Shutdown()
	b.srv.WaitForShutdown()
}

// rawConn dials the embedded broker and returns a bare *nats.Conn, used by
// Client and by tests that want to talk to the broker directly.
func rawConn(b *Broker) (*nats.Conn, error) {
	return nats.Connect(b.ClientURL())
}
