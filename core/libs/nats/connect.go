package natsq

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

type Config struct {
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
}

func NewConnect(url string, cfg Config) (*nats.Conn, error) {
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	nc, err := nats.Connect(url,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("NATS reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return nc, nil
}

// NewJetStream returns a JetStream context bound to the given stream,
// creating the stream or updating its subjects when it already exists.
func NewJetStream(nc *nats.Conn, cfg *nats.StreamConfig) (nats.JetStreamContext, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("JetStream: %w", err)
	}

	_, err = js.AddStream(cfg)
	if err == nil {
		return js, nil
	}
	if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil, fmt.Errorf("JetStream AddStream: %w", err)
	}

	if _, err := js.UpdateStream(cfg); err != nil {
		return nil, fmt.Errorf("JetStream UpdateStream %s: %w", cfg.Name, err)
	}
	return js, nil
}
