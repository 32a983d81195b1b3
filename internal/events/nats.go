package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// conn is the subset of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATS publishes events as JSON to "<prefix>.<kind>".
type NATS struct {
	nc     conn
	prefix string
	logger *zap.Logger
}

// NewNATS connects to url. The connection reconnects forever in the
// background; publishes while disconnected are buffered by the client.
func NewNATS(url, prefix string, logger *zap.Logger) (*NATS, error) {
	opts := []nats.Option{
		nats.Name("autospawn"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return &NATS{nc: nc, prefix: prefix, logger: logger}, nil
}

// Subject returns the subject an event of kind is published on.
func (p *NATS) Subject(kind Kind) string {
	return p.prefix + "." + string(kind)
}

func (p *NATS) Publish(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("failed to encode event", zap.String("kind", string(ev.Kind)), zap.Error(err))
		return
	}
	if err := p.nc.Publish(p.Subject(ev.Kind), data); err != nil {
		p.logger.Warn("failed to publish event", zap.String("subject", p.Subject(ev.Kind)), zap.Error(err))
	}
}

// Close flushes pending messages and closes the connection.
func (p *NATS) Close() {
	if err := p.nc.Drain(); err != nil {
		p.logger.Warn("failed to drain NATS connection", zap.Error(err))
	}
}

var (
	_ Publisher = (*NATS)(nil)
	_ Publisher = Nop{}
)
