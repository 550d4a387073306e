package redis_infra

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	lockKeyPrefix  = "payments:poll:lock:"
	abortKeyPrefix = "payments:poll:abort:"
)

// PollGuard keeps poll-until-terminal loops single per payment across
// processes and carries the operator abort flag.
type PollGuard struct {
	client redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

func NewClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}

func NewPollGuard(client redis.Cmdable, ttl time.Duration, logger *zap.Logger) *PollGuard {
	return &PollGuard{client: client, ttl: ttl, logger: logger}
}

func (g *PollGuard) Acquire(ctx context.Context, paymentID string) (bool, error) {
	ok, err := g.client.SetNX(ctx, lockKeyPrefix+paymentID, "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire poll lock for %s: %w", paymentID, err)
	}
	return ok, nil
}

func (g *PollGuard) Release(ctx context.Context, paymentID string) error {
	if err := g.client.Del(ctx, lockKeyPrefix+paymentID).Err(); err != nil {
		return fmt.Errorf("failed to release poll lock for %s: %w", paymentID, err)
	}
	return nil
}

func (g *PollGuard) RequestAbort(ctx context.Context, paymentID string) error {
	if err := g.client.Set(ctx, abortKeyPrefix+paymentID, "1", g.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set abort flag for %s: %w", paymentID, err)
	}
	g.logger.Info("Poll abort requested", zap.String("payment_id", paymentID))
	return nil
}

func (g *PollGuard) AbortRequested(ctx context.Context, paymentID string) (bool, error) {
	n, err := g.client.Exists(ctx, abortKeyPrefix+paymentID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read abort flag for %s: %w", paymentID, err)
	}
	return n > 0, nil
}

func (g *PollGuard) ClearAbort(ctx context.Context, paymentID string) error {
	if err := g.client.Del(ctx, abortKeyPrefix+paymentID).Err(); err != nil {
		return fmt.Errorf("failed to clear abort flag for %s: %w", paymentID, err)
	}
	return nil
}
