package conformance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/mkeyconform/internal/metrics"
	"github.com/piwi3910/mkeyconform/internal/verbs"
)

// Status is the outcome of one test.
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// Result is the outcome of one test.
type Result struct {
	Suite    string        `json:"suite" yaml:"suite"`
	Name     string        `json:"name" yaml:"name"`
	Status   Status        `json:"status" yaml:"status"`
	Duration time.Duration `json:"duration" yaml:"duration"`
	Message  string        `json:"message,omitempty" yaml:"message,omitempty"`
}

// ID is the "suite/name" identifier of the test.
func (r Result) ID() string {
	return r.Suite + "/" + r.Name
}

// Runner executes tests against one device. Each test opens its own device
// context, so tests are independent and may run in parallel.
type Runner struct {
	provider verbs.Provider
	device   string
	parallel int
	logger   zerolog.Logger
}

// NewRunner creates a runner for device. parallel below 1 runs tests one at
// a time.
func NewRunner(provider verbs.Provider, device string, parallel int) *Runner {
	if parallel < 1 {
		parallel = 1
	}
	return &Runner{
		provider: provider,
		device:   device,
		parallel: parallel,
		logger:   log.With().Str("component", "conformance").Str("device", device).Logger(),
	}
}

// Run executes tests and returns a report with results in test order. A
// cancelled ctx stops scheduling new tests and is returned alongside the
// partial report.
func (r *Runner) Run(ctx context.Context, tests []Test) (*Report, error) {
	report := &Report{
		RunID:     uuid.NewString(),
		Device:    r.device,
		Version:   metrics.Version,
		StartedAt: time.Now().UTC(),
	}
	metrics.Init(report.RunID, r.device)
	r.logger.Info().Str("run_id", report.RunID).Int("tests", len(tests)).Int("parallel", r.parallel).Msg("Starting conformance run")

	results := make([]Result, len(tests))
	done := make([]bool, len(tests))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallel)
	for i, t := range tests {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.runOne(t)
			done[i] = true
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	for i := range results {
		if done[i] {
			report.Results = append(report.Results, results[i])
		}
	}
	report.FinishedAt = time.Now().UTC()
	report.summarize()

	r.logger.Info().
		Str("run_id", report.RunID).
		Int("passed", report.Summary.Passed).
		Int("failed", report.Summary.Failed).
		Int("skipped", report.Summary.Skipped).
		Dur("elapsed", report.FinishedAt.Sub(report.StartedAt)).
		Msg("Conformance run finished")
	return report, err
}

func (r *Runner) runOne(t Test) Result {
	start := time.Now()
	err := r.execute(t)
	res := Result{Suite: t.Suite, Name: t.Name, Duration: time.Since(start)}

	switch {
	case err == nil:
		res.Status = StatusPass
	case IsSkip(err):
		res.Status = StatusSkip
		res.Message = err.Error()
	default:
		res.Status = StatusFail
		res.Message = err.Error()
	}

	metrics.RecordTest(t.Suite, string(res.Status), res.Duration)
	ev := r.logger.Debug()
	if res.Status == StatusFail {
		ev = r.logger.Warn()
	}
	ev.Str("test", t.ID()).Str("status", string(res.Status)).Dur("duration", res.Duration).Str("message", res.Message).Msg("Test finished")
	return res
}

func (r *Runner) execute(t Test) error {
	ctx, err := r.provider.Open(r.device)
	if err != nil {
		return fmt.Errorf("open %s: %w", r.device, err)
	}
	defer ctx.Close()

	qp := verbs.DefaultQPConfig()
	qp.SigPipelining = t.Pipelining
	f, err := NewFixture(ctx, qp)
	if err != nil {
		return fmt.Errorf("fixture: %w", err)
	}

	runErr := t.Run(f)
	if closeErr := f.Close(); closeErr != nil {
		// Teardown only fails a passing test.
		if runErr == nil {
			return fmt.Errorf("teardown: %w", closeErr)
		}
		r.logger.Debug().Err(closeErr).Str("test", t.ID()).Msg("Teardown after failure")
	}
	return runErr
}

// ErrRunFailed is returned by callers that turn failed tests into an exit
// status.
var ErrRunFailed = errors.New("conformance run failed")
