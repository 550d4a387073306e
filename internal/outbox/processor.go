package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"paylifecycle/internal/domain"
	"paylifecycle/internal/infrastructure/database"
	"paylifecycle/internal/repository/outbox_repo"
)

// Publisher delivers one order callback. key is the payment id, so all
// callbacks for a payment land on the same partition.
type Publisher interface {
	Publish(ctx context.Context, key string, payload []byte) error
}

type Config struct {
	PollInterval time.Duration
	BatchTimeout time.Duration
	BatchSize    int
	MaxAttempts  int
}

type Processor struct {
	transactor     database.Transactor
	outboxRepo     outbox_repo.OutboxRepository
	publisher      Publisher
	cfg            Config
	clock          clockwork.Clock
	logger         *zap.Logger
	shutdownSignal chan struct{}
	shutdownOnce   sync.Once
	done           chan struct{}
}

func NewProcessor(
	transactor database.Transactor,
	outboxRepo outbox_repo.OutboxRepository,
	publisher Publisher,
	cfg Config,
	clock clockwork.Clock,
	logger *zap.Logger,
) *Processor {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 10
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Second
	}
	return &Processor{
		transactor:     transactor,
		outboxRepo:     outboxRepo,
		publisher:      publisher,
		cfg:            cfg,
		clock:          clock,
		logger:         logger.With(zap.String("component", "OutboxProcessor")),
		shutdownSignal: make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start polls the outbox until ctx is cancelled or Stop is called.
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("Starting outbox processor...", zap.Duration("interval", p.cfg.PollInterval))
	ticker := p.clock.NewTicker(p.cfg.PollInterval)

	go func() {
		defer close(p.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				p.logger.Info("Outbox processor stopped: context cancelled")
				return
			case <-p.shutdownSignal:
				p.logger.Info("Outbox processor stopped")
				return
			case <-ticker.Chan():
				if _, err := p.ProcessBatch(ctx); err != nil {
					p.logger.Error("Outbox batch failed", zap.Error(err))
				}
			}
		}
	}()
}

func (p *Processor) Stop() {
	p.shutdownOnce.Do(func() {
		p.logger.Info("Signaling outbox processor to stop...")
		close(p.shutdownSignal)
	})
}

// Done is closed once the polling goroutine has exited.
func (p *Processor) Done() <-chan struct{} {
	return p.done
}

// ProcessBatch publishes up to BatchSize pending messages. Rows stay locked
// (FOR UPDATE SKIP LOCKED) until the batch commits, so another replica never
// picks up the same message. A failed publish only bumps attempts; the
// message is retried on the next tick until MaxAttempts.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	batchCtx, cancel := context.WithTimeout(ctx, p.cfg.BatchTimeout)
	defer cancel()

	sent := 0
	err := p.transactor.WithinTx(batchCtx, func(ctx context.Context, q domain.Querier) error {
		messages, err := p.outboxRepo.GetPendingMessagesTx(ctx, q, p.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			p.logger.Debug("No pending outbox messages found.")
			return nil
		}
		p.logger.Info("Found pending outbox messages", zap.Int("count", len(messages)))

		for _, msg := range messages {
			log := p.logger.With(
				zap.String("message_id", msg.ID),
				zap.String("payment_id", msg.AggregateID),
				zap.String("type", msg.MessageType))

			if pubErr := p.publisher.Publish(ctx, msg.AggregateID, msg.Payload); pubErr != nil {
				log.Error("Failed to publish order callback", zap.Int("attempt", msg.Attempts+1), zap.Error(pubErr))
				if err := p.outboxRepo.MarkFailedAttemptTx(ctx, q, msg.ID, pubErr.Error(), p.cfg.MaxAttempts); err != nil {
					return err
				}
				if msg.Attempts+1 >= p.cfg.MaxAttempts {
					log.Error("Order callback parked as FAILED after max attempts")
				}
				continue
			}
			if err := p.outboxRepo.MarkSentTx(ctx, q, msg.ID, p.clock.Now().UTC()); err != nil {
				return err
			}
			sent++
			log.Info("Order callback published")
		}
		return nil
	})
	return sent, err
}
