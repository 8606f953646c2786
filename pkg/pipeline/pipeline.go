// Package pipeline provisions a QR code for each identifier of a run, one
// identifier at a time, retrying throttled requests with exponential backoff
// and recording every terminal outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/flowcode-qr-batch/pkg/client"
	"github.com/Sternrassler/flowcode-qr-batch/pkg/logging"
	"github.com/Sternrassler/flowcode-qr-batch/pkg/slug"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for submission outcomes.
var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qr_submissions_total",
		Help: "Identifiers resolved by terminal outcome",
	}, []string{"outcome"})

	throttlesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qr_throttles_total",
		Help: "Total 429 responses that triggered a backoff",
	})

	backoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qr_backoff_seconds",
		Help:    "Backoff applied after a 429 response",
		Buckets: []float64{1, 2, 4, 8, 16, 30},
	})
)

// Outcome is the terminal state of one identifier.
type Outcome string

const (
	// OutcomeSucceeded means the image was persisted.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomeFailed means the identifier was appended to the failure log.
	OutcomeFailed Outcome = "failed"
)

// Submitter issues a single code creation request.
type Submitter interface {
	CreateCode(ctx context.Context, redirectURL string) ([]byte, error)
}

// Store persists run artefacts.
type Store interface {
	WriteImage(id string, data []byte) error
	AppendFailure(id string) error
}

// Recorder mirrors outcomes and throttling to an external observer.
// Recorder errors never change an outcome.
type Recorder interface {
	RecordOutcome(ctx context.Context, id string, outcome Outcome) error
	RecordThrottle(ctx context.Context, id string, attempt int, delay time.Duration) error
}

// SleepFunc waits for d, returning early with an error when ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Result is the resolution of one identifier.
type Result struct {
	Identifier string
	Outcome    Outcome
	// Attempts is the number of requests issued for the identifier.
	Attempts int
	// Throttles is the number of 429 responses received.
	Throttles int
	// Err is the error that made the outcome terminal, nil on success.
	Err error
}

// Summary aggregates a run.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Throttles int
	Duration  time.Duration
}

// Config holds the pipeline dependencies.
type Config struct {
	// Submitter performs the network call (REQUIRED)
	Submitter Submitter

	// Store receives images and failures (REQUIRED)
	Store Store

	// Template builds the redirect URL from an identifier
	Template slug.Template

	// Retry is the backoff curve for 429 responses
	Retry client.RetryConfig

	// Recorder is optional
	Recorder Recorder

	// Sleep defaults to client.Sleep
	Sleep SleepFunc

	// Logger defaults to the global logger with component=pipeline
	Logger *zerolog.Logger
}

// Pipeline resolves identifiers sequentially.
type Pipeline struct {
	submitter Submitter
	store     Store
	template  slug.Template
	retry     client.RetryConfig
	recorder  Recorder
	sleep     SleepFunc
	logger    zerolog.Logger
}

// New creates a Pipeline. A zero Retry uses client.DefaultRetryConfig.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	p := &Pipeline{
		submitter: cfg.Submitter,
		store:     cfg.Store,
		template:  cfg.Template,
		retry:     cfg.Retry,
		recorder:  cfg.Recorder,
		sleep:     cfg.Sleep,
	}

	if p.retry == (client.RetryConfig{}) {
		p.retry = client.DefaultRetryConfig()
	}
	if p.recorder == nil {
		p.recorder = nopRecorder{}
	}
	if p.sleep == nil {
		p.sleep = client.Sleep
	}
	if cfg.Logger != nil {
		p.logger = cfg.Logger.With().Str("component", "pipeline").Logger()
	} else {
		p.logger = logging.NewLogger("pipeline")
	}

	return p, nil
}

// Run resolves every identifier in order, waiting for each one to reach a
// terminal outcome before starting the next. Per-identifier failures do not
// stop the run. When ctx is cancelled, the identifiers not yet submitted are
// appended to the failure log and the context error is returned. An error is
// also returned when the failure log cannot be written; the summary covers
// what was resolved so far.
func (p *Pipeline) Run(ctx context.Context, ids []string) (Summary, error) {
	start := time.Now()
	summary := Summary{Total: len(ids)}

	p.logger.Info().Int("total", len(ids)).Msg("Starting submissions")

	for i, id := range ids {
		result := p.Submit(ctx, id)
		summary.Throttles += result.Throttles

		switch result.Outcome {
		case OutcomeSucceeded:
			summary.Succeeded++
		case OutcomeFailed:
			summary.Failed++
		}

		if errors.Is(result.Err, errBookkeeping) {
			summary.Duration = time.Since(start)
			return summary, result.Err
		}
		if err := ctx.Err(); err != nil {
			err = p.abandon(ctx, ids[i+1:], &summary, err)
			summary.Duration = time.Since(start)
			return summary, err
		}
	}

	summary.Duration = time.Since(start)
	p.logger.Info().
		Int("total", summary.Total).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("throttles", summary.Throttles).
		Dur("duration", summary.Duration).
		Msg("Submissions complete")

	return summary, nil
}

// abandon records every unsubmitted identifier as failed after cancellation.
func (p *Pipeline) abandon(ctx context.Context, rest []string, summary *Summary, cause error) error {
	if len(rest) > 0 {
		p.logger.Warn().Err(cause).Int("remaining", len(rest)).Msg("Run interrupted, marking remaining identifiers failed")
	}

	for _, id := range rest {
		result := p.fail(ctx, id, 0, 0, cause)
		summary.Failed++
		if errors.Is(result.Err, errBookkeeping) {
			return result.Err
		}
	}
	return fmt.Errorf("run interrupted: %w", cause)
}

// errBookkeeping marks a failure log write error.
var errBookkeeping = errors.New("failure log unavailable")

// Submit resolves one identifier. Attempt numbers start at 0; every 429 is
// followed by Retry.Backoff(attempt) of sleep and a new attempt, with no
// upper bound. Any other error is terminal and logged to the failure file.
func (p *Pipeline) Submit(ctx context.Context, id string) Result {
	target := p.template.URL(id)
	logger := p.logger.With().Str("identifier", id).Logger()

	for attempt := 0; ; attempt++ {
		logger.Debug().Int("attempt", attempt).Str("target", target).Msg("Submitting")

		data, err := p.submitter.CreateCode(ctx, target)
		if err == nil {
			if werr := p.store.WriteImage(id, data); werr != nil {
				logger.Error().Err(werr).Msg("Failed to store QR image")
				return p.fail(ctx, id, attempt+1, attempt, werr)
			}
			logger.Info().Int("attempt", attempt).Int("bytes", len(data)).Msg("Created QR code")
			return p.succeed(ctx, id, attempt+1, attempt)
		}

		if !client.IsThrottled(err) {
			logger.Error().
				Err(err).
				Int("attempt", attempt).
				Str("error_class", string(client.ClassOf(err))).
				Msg("QR code creation failed")
			return p.fail(ctx, id, attempt+1, attempt, err)
		}

		delay := p.retry.Backoff(attempt)
		throttlesTotal.Inc()
		backoffSeconds.Observe(delay.Seconds())
		logger.Warn().
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Rate limited, backing off")

		if rerr := p.recorder.RecordThrottle(ctx, id, attempt, delay); rerr != nil {
			logger.Warn().Err(rerr).Msg("Failed to record throttle")
		}

		if serr := p.sleep(ctx, delay); serr != nil {
			logger.Error().Err(serr).Int("attempt", attempt).Msg("Backoff interrupted")
			return p.fail(ctx, id, attempt+1, attempt+1, serr)
		}
	}
}

func (p *Pipeline) succeed(ctx context.Context, id string, attempts, throttles int) Result {
	submissionsTotal.WithLabelValues(string(OutcomeSucceeded)).Inc()
	p.record(ctx, id, OutcomeSucceeded)
	return Result{Identifier: id, Outcome: OutcomeSucceeded, Attempts: attempts, Throttles: throttles}
}

func (p *Pipeline) fail(ctx context.Context, id string, attempts, throttles int, cause error) Result {
	submissionsTotal.WithLabelValues(string(OutcomeFailed)).Inc()
	result := Result{
		Identifier: id,
		Outcome:    OutcomeFailed,
		Attempts:   attempts,
		Throttles:  throttles,
		Err:        cause,
	}

	if err := p.store.AppendFailure(id); err != nil {
		p.logger.Error().Err(err).Str("identifier", id).Msg("Failed to append to failure log")
		result.Err = fmt.Errorf("%w: %v (cause: %v)", errBookkeeping, err, cause)
	}

	// The recorder gets a fresh context so a cancelled run still reports
	// the identifier it was working on.
	p.record(context.WithoutCancel(ctx), id, OutcomeFailed)
	return result
}

func (p *Pipeline) record(ctx context.Context, id string, outcome Outcome) {
	if err := p.recorder.RecordOutcome(ctx, id, outcome); err != nil {
		p.logger.Warn().Err(err).Str("identifier", id).Msg("Failed to record outcome")
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordOutcome(context.Context, string, Outcome) error { return nil }

func (nopRecorder) RecordThrottle(context.Context, string, int, time.Duration) error { return nil }
