// Package natsconn opens the cluster-wide NATS connection used by the
// ServerRegistry for server_died notifications (spec §4.I). Connection
// options are adapted from the teacher's internal/nats client, trimmed
// to core pub/sub since this module uses Redis Streams, not JetStream,
// as its system of record.
package natsconn

import (
	"fmt"
	"time"

	"github.com/axonstream/axonpulse/internal/config"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Connect dials the NATS cluster with production reconnect settings.
func Connect(cfg config.NATSConfig, log *logrus.Entry) (*nats.Conn, error) {
	maxReconnects := cfg.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = -1
	}
	opts := []nats.Option{
		nats.Name("axonpulse-gateway"),
		nats.Timeout(10 * time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("nats connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.WithError(err).Warn("nats error")
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}
