// Package natsbus publishes result events to NATS so downstream services
// (LIS bridges, billing, dashboards) can react to new instrument results.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/israelsalinas-g/nexos-labs-sub000/internal/platform/notify"
)

const (
	DefaultSubjectPrefix = "lab.results"
	DefaultClientName    = "lab-server"
)

// Config holds connection settings.
type Config struct {
	URL           string
	SubjectPrefix string
	ClientName    string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	DrainTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.ClientName == "" {
		c.ClientName = DefaultClientName
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	return c
}

// conn is the subset of *nats.Conn used by Publisher.
type conn interface {
	Publish(subj string, data []byte) error
	Drain() error
	IsConnected() bool
}

// Publisher implements notify.Publisher on a NATS connection.
type Publisher struct {
	nc     conn
	prefix string
	logger zerolog.Logger
}

// Connect dials NATS and returns a Publisher. The connection reconnects in
// the background; publishes while disconnected are buffered by the client.
func Connect(cfg Config, logger zerolog.Logger) (*Publisher, error) {
	cfg = cfg.withDefaults()
	logger = logger.With().Str("component", "natsbus").Logger()

	nc, err := nats.Connect(cfg.URL, connectionOptions(cfg, logger)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.URL, err)
	}
	logger.Info().Str("url", nc.ConnectedUrlRedacted()).Msg("connected to nats")
	return newPublisher(nc, cfg.SubjectPrefix, logger), nil
}

func newPublisher(nc conn, prefix string, logger zerolog.Logger) *Publisher {
	return &Publisher{nc: nc, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

func connectionOptions(cfg Config, logger zerolog.Logger) []nats.Option {
	return []nats.Option{
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DrainTimeout(cfg.DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrlRedacted()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info().Msg("nats connection closed")
		}),
	}
}

// Subject returns the subject for an event: <prefix>.<instrument>.<type>.
// Characters NATS treats specially are replaced in the instrument token.
func Subject(prefix string, event notify.Event) string {
	inst := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, strings.ToLower(event.Instrument))
	if inst == "" {
		inst = "unknown"
	}
	return prefix + "." + inst + "." + event.Type
}

// Publish sends the event as JSON.
func (p *Publisher) Publish(_ context.Context, event notify.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	subject := Subject(p.prefix, event)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", subject, err)
	}
	return nil
}

// Connected reports whether the underlying connection is up.
func (p *Publisher) Connected() bool {
	return p.nc.IsConnected()
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	return p.nc.Drain()
}
