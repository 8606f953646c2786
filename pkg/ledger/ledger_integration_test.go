//go:build integration

package ledger

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/Sternrassler/flowcode-qr-batch/pkg/pipeline"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func newTestLedger(t *testing.T, redisClient *redis.Client, runID string) *Ledger {
	t.Helper()
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	l, err := New(redisClient, runID, logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return l
}

func TestLedger_Integration_Outcomes(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	l := newTestLedger(t, redisClient, "run-20250101000000")

	if err := l.Start(ctx, 3, time.Now()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	records := map[string]pipeline.Outcome{
		"a": pipeline.OutcomeSucceeded,
		"b": pipeline.OutcomeFailed,
		"c": pipeline.OutcomeSucceeded,
	}
	for id, outcome := range records {
		if err := l.RecordOutcome(ctx, id, outcome); err != nil {
			t.Fatalf("RecordOutcome(%s) failed: %v", id, err)
		}
	}

	counts, err := l.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts[pipeline.OutcomeSucceeded] != 2 || counts[pipeline.OutcomeFailed] != 1 {
		t.Errorf("Counts = %v, want 2 succeeded / 1 failed", counts)
	}

	outcome, err := l.Outcome(ctx, "b")
	if err != nil {
		t.Fatalf("Outcome failed: %v", err)
	}
	if outcome != pipeline.OutcomeFailed {
		t.Errorf("Outcome(b) = %q, want failed", outcome)
	}

	missing, err := l.Outcome(ctx, "zzz")
	if err != nil || missing != "" {
		t.Errorf("Outcome(zzz) = %q, %v; want empty, nil", missing, err)
	}

	total, err := l.Total(ctx)
	if err != nil {
		t.Fatalf("Total failed: %v", err)
	}
	if total != 3 {
		t.Errorf("Total = %d, want 3", total)
	}

	ttl, err := redisClient.TTL(ctx, Key("run-20250101000000", keyOutcomes)).Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > DefaultTTL {
		t.Errorf("TTL = %v, want within (0, %v]", ttl, DefaultTTL)
	}
}

func TestLedger_Integration_Throttle(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	l := newTestLedger(t, redisClient, "run-throttle")

	if _, err := l.Throttle(ctx); !errors.Is(err, ErrNoThrottle) {
		t.Fatalf("Expected ErrNoThrottle, got %v", err)
	}

	if err := l.RecordThrottle(ctx, "x", 0, time.Second); err != nil {
		t.Fatalf("RecordThrottle failed: %v", err)
	}
	if err := l.RecordThrottle(ctx, "x", 1, 2*time.Second); err != nil {
		t.Fatalf("RecordThrottle failed: %v", err)
	}

	state, err := l.Throttle(ctx)
	if err != nil {
		t.Fatalf("Throttle failed: %v", err)
	}
	if state.Identifier != "x" || state.Attempt != 1 {
		t.Errorf("state = %+v, want identifier x attempt 1", state)
	}
	if state.Backoff != 2*time.Second {
		t.Errorf("Backoff = %v, want 2s", state.Backoff)
	}
	if state.Total != 2 {
		t.Errorf("Total = %d, want 2", state.Total)
	}
}

func TestLedger_Integration_RunsAreIsolated(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	first := newTestLedger(t, redisClient, "run-1")
	second := newTestLedger(t, redisClient, "run-2")

	if err := first.RecordOutcome(ctx, "a", pipeline.OutcomeSucceeded); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}

	counts, err := second.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if len(counts) != 0 {
		t.Errorf("second run sees %v, want nothing", counts)
	}
}

func TestLedger_Integration_AsPipelineRecorder(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	l := newTestLedger(t, redisClient, "run-pipeline")

	logger := zerolog.Nop()
	p, err := pipeline.New(pipeline.Config{
		Submitter: submitFunc(func(ctx context.Context, url string) ([]byte, error) {
			return []byte("png"), nil
		}),
		Store:    discardStore{},
		Recorder: l,
		Logger:   &logger,
	})
	if err != nil {
		t.Fatalf("pipeline.New failed: %v", err)
	}

	if _, err := p.Run(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	counts, err := l.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts[pipeline.OutcomeSucceeded] != 2 {
		t.Errorf("Counts = %v, want 2 succeeded", counts)
	}
}

type submitFunc func(ctx context.Context, url string) ([]byte, error)

func (f submitFunc) CreateCode(ctx context.Context, url string) ([]byte, error) {
	return f(ctx, url)
}

type discardStore struct{}

func (discardStore) WriteImage(string, []byte) error { return nil }
func (discardStore) AppendFailure(string) error      { return nil }
