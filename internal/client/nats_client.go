package client

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"guard-service/internal/config"
	"guard-service/internal/util"
)

type NATSClient struct {
	Conn   *nats.Conn
	config *config.NATSConfig
}

func NewNATSClient(cfg *config.Config) (*NATSClient, error) {
	natsConfig := cfg.NATS
	if natsConfig.Subject == "" {
		return nil, fmt.Errorf("no nats subject configured")
	}

	conn, err := nats.Connect(natsConfig.URL,
		nats.Name("guard-service"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				util.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			util.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	util.Info("NATS client initialized",
		zap.String("url", natsConfig.URL),
		zap.String("subject", natsConfig.Subject),
	)

	return &NATSClient{
		Conn:   conn,
		config: &natsConfig,
	}, nil
}

func (n *NATSClient) Subject() string {
	return n.config.Subject
}

// Publish buffers data for subject; call Flush to wait for the server.
func (n *NATSClient) Publish(subject string, data []byte) error {
	if err := n.Conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

func (n *NATSClient) Flush(ctx context.Context) error {
	if err := n.Conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}
	return nil
}

func (n *NATSClient) HealthCheck(_ context.Context) error {
	if n.Conn == nil || !n.Conn.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

// Close drains pending messages before closing the connection.
func (n *NATSClient) Close() error {
	if n.Conn == nil {
		return nil
	}
	if err := n.Conn.Drain(); err != nil {
		n.Conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	util.Info("NATS connection closed")
	return nil
}
