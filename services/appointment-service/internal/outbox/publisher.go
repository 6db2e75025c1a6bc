package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/md-rashed-zaman/apptsync/libs/db"
	"github.com/md-rashed-zaman/apptsync/libs/kafkax"
)

// LocalSink receives outbox records when no Kafka brokers are configured.
type LocalSink func(ctx context.Context, rec Record) error

type Publisher struct {
	pool      *db.Pool
	repo      *Repository
	logger    *slog.Logger
	brokers   []string
	local     LocalSink
	pollEvery time.Duration
	batchSize int
}

type PublisherConfig struct {
	Brokers   []string
	PollEvery time.Duration
	BatchSize int
	// Local is used instead of Kafka when Brokers is empty.
	Local LocalSink
}

func NewPublisher(pool *db.Pool, repo *Repository, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{
		pool:      pool,
		repo:      repo,
		logger:    logger,
		brokers:   cfg.Brokers,
		local:     cfg.Local,
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
	}
}

func (p *Publisher) Run(ctx context.Context) {
	var deliver func(ctx context.Context, rec Record) error
	switch {
	case len(p.brokers) > 0:
		writer := &kafka.Writer{
			Addr:                   kafka.TCP(p.brokers...),
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
		}
		defer writer.Close()
		deliver = func(ctx context.Context, rec Record) error {
			return writer.WriteMessages(ctx, Message(ctx, rec))
		}
	case p.local != nil:
		p.logger.Info("outbox publisher delivering in-process (no kafka brokers configured)")
		deliver = p.local
	default:
		p.logger.Warn("outbox publisher disabled (no kafka brokers configured)")
		return
	}

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.publishBatch(ctx, deliver); err != nil {
				p.logger.Error("outbox publish failed", "err", err)
			}
		}
	}
}

// Message renders rec as a Kafka message keyed by aggregate id, so every change
// to one appointment lands on the same partition in commit order.
func Message(ctx context.Context, rec Record) kafka.Message {
	msgCtx := rec.Trace.Restore(ctx)
	meta := kafkax.EventMeta{EventID: rec.EventID, EventType: rec.EventType, AggregateID: rec.AggregateID}
	return kafka.Message{
		Topic:   rec.EventType,
		Key:     []byte(rec.AggregateID),
		Value:   rec.Payload,
		Headers: kafkax.InjectTraceHeaders(msgCtx, meta.Headers()),
	}
}

func (p *Publisher) publishBatch(ctx context.Context, deliver func(context.Context, Record) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	records, err := p.repo.FetchUnpublished(ctx, tx, p.batchSize)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return tx.Commit(ctx)
	}

	ids := make([]int64, 0, len(records))
	for _, r := range records {
		if err := deliver(ctx, r); err != nil {
			return err
		}
		ids = append(ids, r.ID)
	}
	if err := p.repo.MarkPublished(ctx, tx, ids); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
