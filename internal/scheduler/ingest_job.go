package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/trogers1052/stock-history-ingestor/internal/ingest"
)

// ErrAlreadyRunning is returned when a run is triggered while the previous
// one is still in progress.
var ErrAlreadyRunning = errors.New("ingestion already running")

// IssuerLister lists the registered issuers
type IssuerLister interface {
	ListIssuers(ctx context.Context) ([]string, error)
}

// Runner executes an ingestion run
type Runner interface {
	Run(ctx context.Context, issuers []string, asOf time.Time) []ingest.Outcome
	Today() time.Time
}

// IngestJob brings every registered issuer up to date as of today
type IngestJob struct {
	ctx     context.Context
	issuers IssuerLister
	runner  Runner
	running atomic.Bool
	log     zerolog.Logger
}

// NewIngestJob creates the job. ctx bounds every run; cancel it on shutdown.
func NewIngestJob(ctx context.Context, issuers IssuerLister, runner Runner, log zerolog.Logger) *IngestJob {
	return &IngestJob{
		ctx:     ctx,
		issuers: issuers,
		runner:  runner,
		log:     log.With().Str("job", "ingest").Logger(),
	}
}

// Name returns the job name
func (j *IngestJob) Name() string {
	return "ingest"
}

// Run executes one ingestion run over all registered issuers
func (j *IngestJob) Run() error {
	if !j.running.CompareAndSwap(false, true) {
		j.log.Warn().Msg("Previous run still in progress, skipping")
		return ErrAlreadyRunning
	}
	defer j.running.Store(false)

	issuers, err := j.issuers.ListIssuers(j.ctx)
	if err != nil {
		return fmt.Errorf("failed to list issuers: %w", err)
	}
	if len(issuers) == 0 {
		j.log.Info().Msg("No issuers registered")
		return nil
	}

	start := time.Now()
	outcomes := j.runner.Run(j.ctx, issuers, j.runner.Today())

	var failed int
	for _, o := range outcomes {
		if o.State == ingest.Failed {
			failed++
		}
	}
	j.log.Info().
		Int("issuers", len(issuers)).
		Int("failed", failed).
		Dur("duration", time.Since(start)).
		Msg("Ingestion job finished")

	if failed > 0 {
		return fmt.Errorf("%d of %d issuers failed", failed, len(issuers))
	}
	return nil
}
