package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go"

	"github.com/tmfg/digitraffic-tis-vaco-sub001/internal/domain"
)

type EndpointResolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

type queue struct {
	js       nats.JetStreamContext
	resolver EndpointResolver
}

func New(js nats.JetStreamContext, resolver EndpointResolver) *queue {
	return &queue{js: js, resolver: resolver}
}

// Publish sends the message to the subject registered for destination.
func (q *queue) Publish(ctx context.Context, destination string, m domain.JobMessage) error {
	subject, err := q.resolver.Resolve(ctx, destination)
	if err != nil {
		return fmt.Errorf("resolve destination %s: %w", destination, err)
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal job message: %w", err)
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set("Entry-Id", m.Entry.PublicID)
	msg.Header.Set("Try-Number", strconv.Itoa(m.Retry.TryNumber))

	ack, err := q.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("publish entry %s to %s: %w", m.Entry.PublicID, subject, err)
	}

	slog.Debug("job message published",
		slog.String("entry_id", m.Entry.PublicID),
		slog.String("subject", subject),
		slog.String("previous", stageOf(m)),
		slog.String("stream", ack.Stream),
		slog.Uint64("seq", ack.Sequence),
	)

	return nil
}

func stageOf(m domain.JobMessage) string {
	if m.Previous == nil {
		return "null"
	}
	return *m.Previous
}

// Subjects lists the stream subjects: every destination, including ones
// remapped through the endpoint registry, lives under prefix.
func Subjects(prefix string) []string {
	return []string{prefix + ".>"}
}

func DefaultSubject(prefix, destination string) string {
	return prefix + "." + destination
}
