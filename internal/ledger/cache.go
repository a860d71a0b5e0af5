package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// StatementCache keeps rendered statements in Redis. Entries are keyed by a
// per-account version counter, so invalidation is a single INCR instead of a
// key scan: postings bump the version and stale entries age out via TTL.
type StatementCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger

	hits   prometheus.Counter
	misses prometheus.Counter
}

// NewStatementCache constructs the cache and registers its counters.
func NewStatementCache(client *redis.Client, ttl time.Duration, logger *slog.Logger, reg prometheus.Registerer) *StatementCache {
	if logger == nil {
		logger = slog.Default()
	}
	hits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corebank_statement_cache_hits_total",
		Help: "Number of statement reads served from cache.",
	})
	misses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corebank_statement_cache_miss_total",
		Help: "Number of statement reads that went to the store.",
	})
	if reg != nil {
		reg.MustRegister(hits, misses)
	}
	return &StatementCache{client: client, ttl: ttl, logger: logger, hits: hits, misses: misses}
}

func (c *StatementCache) versionKey(accountID int64) string {
	return fmt.Sprintf("ledger:stmt:ver:%d", accountID)
}

func (c *StatementCache) entryKey(accountID, version int64, start, end time.Time) string {
	return fmt.Sprintf("ledger:stmt:%d:%d:%d:%d", accountID, version, start.UnixNano(), end.UnixNano())
}

func (c *StatementCache) version(ctx context.Context, accountID int64) (int64, error) {
	ver, err := c.client.Get(ctx, c.versionKey(accountID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return ver, err
}

// Get returns the cached statement, if present.
func (c *StatementCache) Get(ctx context.Context, accountID int64, start, end time.Time) ([]StatementLine, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	ver, err := c.version(ctx, accountID)
	if err != nil {
		c.logger.Warn("statement cache version read failed", slog.Any("error", err))
		return nil, false
	}
	payload, err := c.client.Get(ctx, c.entryKey(accountID, ver, start, end)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("statement cache read failed", slog.Any("error", err))
		}
		c.misses.Inc()
		return nil, false
	}
	var lines []StatementLine
	if err := json.Unmarshal(payload, &lines); err != nil {
		c.misses.Inc()
		return nil, false
	}
	c.hits.Inc()
	return lines, true
}

// Set stores a statement under the account's current version.
func (c *StatementCache) Set(ctx context.Context, accountID int64, start, end time.Time, lines []StatementLine) {
	if c == nil || c.client == nil {
		return
	}
	ver, err := c.version(ctx, accountID)
	if err != nil {
		return
	}
	payload, err := json.Marshal(lines)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.entryKey(accountID, ver, start, end), payload, c.ttl).Err(); err != nil {
		c.logger.Warn("statement cache write failed", slog.Any("error", err))
	}
}

// Invalidate bumps the account's version, orphaning every cached range.
func (c *StatementCache) Invalidate(ctx context.Context, accountID int64) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Incr(ctx, c.versionKey(accountID)).Err(); err != nil {
		c.logger.Warn("statement cache invalidate failed", slog.Any("error", err))
	}
}
