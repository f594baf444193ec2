package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// PublishedTotal counts publish attempts.
// Labels: subject, result (success, error)
var PublishedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ragd",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Total number of lifecycle events published",
	},
	[]string{"subject", "result"},
)

// HeaderTenant carries the tenant ID on every message.
const HeaderTenant = "Ragd-Tenant"

// NATSConfig configures Connect.
type NATSConfig struct {
	URL string `koanf:"url"`
	// Name identifies the connection on the server. Default: "ragd".
	Name string `koanf:"name"`
	// MaxReconnects is -1 for unlimited. Default: -1.
	MaxReconnects int `koanf:"max_reconnects"`
	// ReconnectWait defaults to 2s.
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// NATSPublisher publishes JSON envelopes to core NATS subjects.
type NATSPublisher struct {
	conn   *nats.Conn
	owned  bool
	logger *zap.Logger
	now    func() time.Time
}

// Connect dials NATS and returns a publisher that owns the connection.
func Connect(cfg NATSConfig, logger *zap.Logger) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if cfg.Name == "" {
		cfg.Name = "ragd"
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	p := NewNATSPublisher(nc, logger)
	p.owned = true
	return p, nil
}

// NewNATSPublisher publishes on an existing connection, which the caller
// keeps ownership of.
func NewNATSPublisher(nc *nats.Conn, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: nc, logger: logger, now: time.Now}
}

// Publish sends e. Errors are logged and counted before being returned.
func (p *NATSPublisher) Publish(_ context.Context, e Event) error {
	env, err := Wrap(e, p.now())
	if err == nil {
		var data []byte
		if data, err = json.Marshal(env); err == nil {
			msg := nats.NewMsg(e.Subject())
			msg.Header.Set(HeaderTenant, e.Tenant())
			msg.Data = data
			err = p.conn.PublishMsg(msg)
		}
	}
	if err != nil {
		PublishedTotal.WithLabelValues(e.Subject(), "error").Inc()
		p.logger.Warn("publishing event failed",
			zap.String("subject", e.Subject()),
			zap.String("tenant_id", e.Tenant()),
			zap.Error(err))
		return fmt.Errorf("publishing %s: %w", e.Subject(), err)
	}
	PublishedTotal.WithLabelValues(e.Subject(), "success").Inc()
	return nil
}

// Close drains the connection if the publisher owns it.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.conn.Drain()
}

var _ Publisher = (*NATSPublisher)(nil)
