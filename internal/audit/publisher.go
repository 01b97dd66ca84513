package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"curbwise/internal/actionrequest/models"
)

// Publisher ships audit events to Kafka. Produce is asynchronous and
// fire-and-forget: a broker outage degrades to an error log, never to a
// failed action request.
type Publisher struct {
	client *kgo.Client
	topic  string
	log    *slog.Logger
}

func NewPublisher(brokers []string, topic string, log *slog.Logger) (*Publisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
	)
	if err != nil {
		return nil, err
	}
	return &Publisher{client: client, topic: topic, log: log}, nil
}

// Publish emits the terminal request onto the stream, keyed by request id so
// retries of the same key land in the same partition.
func (p *Publisher) Publish(ctx context.Context, req *models.Request) {
	event := FromRequest(req)
	value, err := json.Marshal(event)
	if err != nil {
		p.log.ErrorContext(ctx, "encode audit event", "action_request_id", req.ID, "error", err)
		return
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(req.ID.String()),
		Value: value,
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.log.Error("audit publish failed", "action_request_id", req.ID, "error", err)
		}
	})
}

// Close flushes outstanding records and releases the client.
func (p *Publisher) Close(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return err
	}
	p.client.Close()
	return nil
}

// LogSink is the no-broker fallback: terminal requests are logged instead of
// streamed. Used in development and in tests.
type LogSink struct {
	Log *slog.Logger
}

func (s *LogSink) Publish(ctx context.Context, req *models.Request) {
	s.Log.InfoContext(ctx, "action request audited",
		"action_request_id", req.ID,
		"action_kind", req.Action.Kind,
		"status", req.Status,
		"actor_id", req.ActorID,
		"correlation_id", req.CorrelationID,
	)
}
