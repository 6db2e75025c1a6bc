package consumer

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/codes"

	"github.com/md-rashed-zaman/apptsync/libs/kafkax"
	otelx "github.com/md-rashed-zaman/apptsync/libs/otel"
)

type Handler func(ctx context.Context, msg kafka.Message) error

// Consumer reads one topic and hands every message to a Handler. Handler
// errors are logged and the message is skipped.
type Consumer struct {
	reader  *kafka.Reader
	logger  *slog.Logger
	handler Handler
	backoff time.Duration
}

type Config struct {
	Brokers []string
	// GroupID should be unique per instance when every replica must see every event.
	GroupID string
	Topic   string
	// FromLatest starts a new group at the end of the topic instead of the beginning.
	FromLatest bool
}

func New(logger *slog.Logger, cfg Config, handler Handler) *Consumer {
	start := kafka.FirstOffset
	if cfg.FromLatest {
		start = kafka.LastOffset
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: start,
	})
	return &Consumer{
		reader:  reader,
		logger:  logger,
		handler: handler,
		backoff: time.Second,
	}
}

func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka read error", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.backoff):
			}
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	ctxSpan, span := kafkax.StartConsumeSpan(ctx, otelx.Tracer("appointment-service/consumer"), msg)
	defer span.End()

	meta := kafkax.ExtractEventMeta(msg)
	if err := c.handler(ctxSpan, msg); err != nil {
		c.logger.Error("handler error", "err", err, "event_id", meta.EventID, "event_type", meta.EventType)
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
	}
}
