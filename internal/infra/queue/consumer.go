package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
)

// Handler processes one job message. A returned error asks for redelivery.
type Handler func(ctx context.Context, m domain.JobMessage) error

type ConsumerConfig struct {
	Stream     string
	Durable    string
	Subject    string
	Workers    int
	FetchWait  time.Duration
	AckWait    time.Duration
	MaxDeliver int
	NakDelay   time.Duration
	// ProgressInterval is how often a running handler extends AckWait.
	ProgressInterval time.Duration
}

type Consumer struct {
	js      nats.JetStreamContext
	cfg     ConsumerConfig
	handler Handler

	sub  *nats.Subscription
	done chan struct{}
}

func NewConsumer(js nats.JetStreamContext, cfg ConsumerConfig, h Handler) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = 5 * time.Second
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = time.Hour
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 10
	}
	if cfg.NakDelay <= 0 {
		cfg.NakDelay = 5 * time.Second
	}
	if cfg.ProgressInterval <= 0 || cfg.ProgressInterval >= cfg.AckWait {
		cfg.ProgressInterval = cfg.AckWait / 3
	}

	return &Consumer{
		js:      js,
		cfg:     cfg,
		handler: h,
		done:    make(chan struct{}, cfg.Workers),
	}
}

// Run binds the durable pull consumer and starts the workers. Each worker
// handles one message at a time.
func (c *Consumer) Run(ctx context.Context) error {
	_, err := c.js.AddConsumer(c.cfg.Stream, &nats.ConsumerConfig{
		Durable:       c.cfg.Durable,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       c.cfg.AckWait,
		MaxDeliver:    c.cfg.MaxDeliver,
		FilterSubject: c.cfg.Subject,
		MaxAckPending: c.cfg.Workers * 2,
	})
	if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		return fmt.Errorf("JetStream AddConsumer %s: %w", c.cfg.Durable, err)
	}

	sub, err := c.js.PullSubscribe(c.cfg.Subject, c.cfg.Durable, nats.Bind(c.cfg.Stream, c.cfg.Durable))
	if err != nil {
		return fmt.Errorf("JetStream PullSubscribe %s: %w", c.cfg.Subject, err)
	}
	c.sub = sub

	for i := range c.cfg.Workers {
		go func() {
			defer func() { c.done <- struct{}{} }()
			c.runWorker(ctx, i)
		}()
	}

	slog.Info("consumer is running",
		slog.String("durable", c.cfg.Durable),
		slog.String("subject", c.cfg.Subject),
		slog.Int("workers", c.cfg.Workers),
	)
	return nil
}

// Stop waits for the workers to exit after ctx is done, then drains the subscription.
func (c *Consumer) Stop(ctx context.Context) {
	<-ctx.Done()

	if c.sub == nil {
		return
	}
	for range c.cfg.Workers {
		<-c.done
	}
	if err := c.sub.Drain(); err != nil {
		slog.Warn("NATS subscription drain", slog.String("error", err.Error()))
	}

	slog.Info("consumer stopped", slog.String("durable", c.cfg.Durable))
}

func (c *Consumer) runWorker(ctx context.Context, id int) {
	l := slog.With(slog.String("durable", c.cfg.Durable), slog.Int("worker", id))

	for {
		if ctx.Err() != nil {
			l.Info("worker stopping")
			return
		}

		fctx, cancel := context.WithTimeout(ctx, c.cfg.FetchWait)
		msgs, err := c.sub.Fetch(1, nats.Context(fctx))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			l.Warn("NATS Fetch", slog.String("error", err.Error()))
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for _, msg := range msgs {
			c.dispatch(ctx, l, msg)
		}
	}
}

// dispatch settles the message in a deferred block, so a panicking handler
// still leads to a redelivery instead of a message stuck until AckWait.
func (c *Consumer) dispatch(ctx context.Context, l *slog.Logger, msg *nats.Msg) {
	var (
		m   domain.JobMessage
		err error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			l.Error("handler panic",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
		settle(l, msg, err, c.cfg.NakDelay)
	}()

	if uerr := json.Unmarshal(msg.Data, &m); uerr != nil {
		l.Error("malformed job message dropped",
			slog.String("subject", msg.Subject),
			slog.String("error", uerr.Error()),
		)
		return
	}

	// Runs before the settling defer above.
	defer keepInProgress(msg, c.cfg.ProgressInterval, l)()
	err = c.handler(ctx, m)
	if err != nil {
		l.Error("handle job message",
			slog.String("entry_id", m.Entry.PublicID),
			slog.String("error", err.Error()),
		)
	}
}

func settle(l *slog.Logger, msg *nats.Msg, err error, delay time.Duration) {
	if err != nil {
		if nerr := msg.NakWithDelay(delay); nerr != nil {
			l.Warn("NATS Nak", slog.String("error", nerr.Error()))
		}
		return
	}
	if aerr := msg.Ack(); aerr != nil {
		l.Warn("NATS Ack", slog.String("error", aerr.Error()))
	}
}

type progressReporter interface {
	InProgress(opts ...nats.AckOpt) error
}

// keepInProgress resets the message's redelivery timer every interval until
// stop is called.
func keepInProgress(msg progressReporter, interval time.Duration, l *slog.Logger) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					l.Warn("NATS InProgress", slog.String("error", err.Error()))
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}
