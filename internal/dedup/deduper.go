package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper is the fast-path idempotency check for inbound envelopes. It is
// advisory only: the notification store's unique source_message_id is the
// durable guard, so a redis outage degrades to DB-level dedup rather than
// blocking processing.
type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewDeduper(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	return &Deduper{rdb: rdb, ttl: ttl, logger: logger}
}

// AcquireOnce returns true if this envelope id has not been seen within the
// TTL window, false for a duplicate. On redis failure it allows processing.
func (d *Deduper) AcquireOnce(ctx context.Context, envelopeID string) bool {
	key := fmt.Sprintf("dedup:envelope:%s", envelopeID)

	ok, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		d.logger.Warn("Redis dedup check failed, allowing processing",
			zap.String("envelope_id", envelopeID),
			zap.Error(err),
		)
		return true
	}

	if !ok {
		d.logger.Info("Skipped duplicated envelope",
			zap.String("envelope_id", envelopeID),
			zap.String("dedup_key", key),
		)
	}
	return ok
}

// Release drops the dedup key so a crashed-but-unacked envelope can be
// reprocessed on redelivery.
func (d *Deduper) Release(ctx context.Context, envelopeID string) {
	key := fmt.Sprintf("dedup:envelope:%s", envelopeID)
	if err := d.rdb.Del(ctx, key).Err(); err != nil {
		d.logger.Warn("Failed to release dedup key",
			zap.String("envelope_id", envelopeID),
			zap.Error(err),
		)
	}
}
