package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Sternrassler/flowcode-qr-batch/pkg/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for ledger writes.
var (
	ledgerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qr_ledger_errors_total",
		Help: "Total ledger write errors by operation",
	}, []string{"operation"})
)

// ErrNoThrottle is returned by Throttle when the run was never throttled.
var ErrNoThrottle = errors.New("no throttle recorded")

// DefaultTTL keeps ledger keys around for a week after the last write.
const DefaultTTL = 7 * 24 * time.Hour

// Ledger records a run's outcomes and throttling in Redis.
// It implements pipeline.Recorder.
type Ledger struct {
	redis  *redis.Client
	runID  string
	ttl    time.Duration
	logger zerolog.Logger
}

var _ pipeline.Recorder = (*Ledger)(nil)

// New creates a ledger for runID.
func New(redisClient *redis.Client, runID string, logger zerolog.Logger) (*Ledger, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	return &Ledger{
		redis:  redisClient,
		runID:  runID,
		ttl:    DefaultTTL,
		logger: logger.With().Str("component", "ledger").Str("run", runID).Logger(),
	}, nil
}

// Start records the run metadata.
func (l *Ledger) Start(ctx context.Context, total int, startedAt time.Time) error {
	key := Key(l.runID, keyMeta)

	pipe := l.redis.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"started_at": startedAt.UTC().Format(time.RFC3339),
		"total":      total,
	})
	pipe.Expire(ctx, key, l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		ledgerErrorsTotal.WithLabelValues("start").Inc()
		return fmt.Errorf("store run meta: %w", err)
	}

	l.logger.Debug().Int("total", total).Msg("Ledger started")
	return nil
}

// RecordOutcome stores the terminal outcome of id.
func (l *Ledger) RecordOutcome(ctx context.Context, id string, outcome pipeline.Outcome) error {
	key := Key(l.runID, keyOutcomes)

	pipe := l.redis.TxPipeline()
	pipe.HSet(ctx, key, id, string(outcome))
	pipe.Expire(ctx, key, l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		ledgerErrorsTotal.WithLabelValues("outcome").Inc()
		return fmt.Errorf("store outcome: %w", err)
	}
	return nil
}

// RecordThrottle stores the latest throttle and bumps the run's 429 count.
func (l *Ledger) RecordThrottle(ctx context.Context, id string, attempt int, delay time.Duration) error {
	metaKey := Key(l.runID, keyMeta)

	pipe := l.redis.TxPipeline()
	incr := pipe.HIncrBy(ctx, metaKey, "throttles", 1)
	pipe.Expire(ctx, metaKey, l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		ledgerErrorsTotal.WithLabelValues("throttle").Inc()
		return fmt.Errorf("increment throttles: %w", err)
	}
	total := incr.Val()

	state := ThrottleState{
		Identifier:  id,
		Attempt:     attempt,
		Backoff:     delay,
		ThrottledAt: time.Now().UTC(),
		Total:       total,
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal throttle state: %w", err)
	}

	if err := l.redis.Set(ctx, Key(l.runID, keyThrottle), data, l.ttl).Err(); err != nil {
		ledgerErrorsTotal.WithLabelValues("throttle").Inc()
		return fmt.Errorf("store throttle state: %w", err)
	}

	l.logger.Debug().
		Str("identifier", id).
		Int("attempt", attempt).
		Dur("backoff", delay).
		Int64("throttles", total).
		Msg("Throttle recorded")
	return nil
}

// Outcome returns the recorded outcome of id, or "" when none is stored.
func (l *Ledger) Outcome(ctx context.Context, id string) (pipeline.Outcome, error) {
	value, err := l.redis.HGet(ctx, Key(l.runID, keyOutcomes), id).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get outcome: %w", err)
	}
	return pipeline.Outcome(value), nil
}

// Counts returns how many identifiers reached each outcome.
func (l *Ledger) Counts(ctx context.Context) (map[pipeline.Outcome]int, error) {
	all, err := l.redis.HGetAll(ctx, Key(l.runID, keyOutcomes)).Result()
	if err != nil {
		return nil, fmt.Errorf("get outcomes: %w", err)
	}

	counts := make(map[pipeline.Outcome]int, 2)
	for _, value := range all {
		counts[pipeline.Outcome(value)]++
	}
	return counts, nil
}

// Throttle returns the most recent throttle, or ErrNoThrottle.
func (l *Ledger) Throttle(ctx context.Context) (*ThrottleState, error) {
	data, err := l.redis.Get(ctx, Key(l.runID, keyThrottle)).Bytes()
	if err == redis.Nil {
		return nil, ErrNoThrottle
	}
	if err != nil {
		return nil, fmt.Errorf("get throttle state: %w", err)
	}

	var state ThrottleState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse throttle state: %w", err)
	}
	return &state, nil
}

// Total returns the identifier count recorded by Start, or 0.
func (l *Ledger) Total(ctx context.Context) (int, error) {
	value, err := l.redis.HGet(ctx, Key(l.runID, keyMeta), "total").Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get total: %w", err)
	}
	total, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse total: %w", err)
	}
	return total, nil
}
