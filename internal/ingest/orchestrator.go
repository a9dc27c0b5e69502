// Package ingest drives incremental history ingestion for each issuer:
// resume from the stored watermark, fetch the missing range window by window,
// normalize the rows and commit them together with the new watermark.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/trogers1052/stock-history-ingestor/internal/models"
	"github.com/trogers1052/stock-history-ingestor/internal/numeric"
	"github.com/trogers1052/stock-history-ingestor/internal/window"
)

// DefaultEpoch is where ingestion starts for an issuer that was never fetched.
var DefaultEpoch = time.Date(2014, time.November, 10, 0, 0, 0, 0, time.UTC)

// ErrIssuerBusy is returned when another worker holds the issuer lease.
var ErrIssuerBusy = errors.New("issuer is being ingested elsewhere")

// Fetcher retrieves the raw rows of one issuer for one window.
type Fetcher interface {
	Fetch(ctx context.Context, issuer string, w window.Window) ([]models.RawRow, error)
}

// Store is the durable side of ingestion: the watermark read and the
// transactional commit of rows plus watermark.
type Store interface {
	GetLastConfirmedDate(ctx context.Context, issuer string) (*time.Time, error)
	CommitIngestion(ctx context.Context, issuer string, records []*models.StockRecord, watermark *time.Time) (int64, error)
}

// Locker provides a per-issuer lease shared between service instances.
type Locker interface {
	Acquire(ctx context.Context, issuer string) (bool, error)
	Release(ctx context.Context, issuer string) error
}

// Publisher announces committed ingestions.
type Publisher interface {
	PublishIssuerIngested(ctx context.Context, outcome Outcome) error
}

// Config controls an Orchestrator.
type Config struct {
	Epoch       time.Time
	MaxSpanDays int
	Workers     int
	Policy      Policy
	Format      numeric.Format
}

// DefaultConfig returns the exchange defaults.
func DefaultConfig() Config {
	return Config{
		Epoch:       DefaultEpoch,
		MaxSpanDays: window.DefaultMaxSpanDays,
		Workers:     runtime.NumCPU(),
		Policy:      HoldWatermark,
		Format:      numeric.MSE,
	}
}

// Outcome reports how one issuer's ingestion ended.
type Outcome struct {
	RunID         string          `json:"run_id"`
	Issuer        string          `json:"issuer"`
	AsOf          time.Time       `json:"as_of"`
	State         State           `json:"state"`
	Resume        time.Time       `json:"resume"`
	Windows       int             `json:"windows"`
	FailedWindows []window.Window `json:"failed_windows,omitempty"`
	Fetched       int             `json:"fetched"`
	Dropped       int             `json:"dropped"`
	Inserted      int64           `json:"inserted"`
	Advanced      bool            `json:"advanced"`
	Watermark     *time.Time      `json:"watermark,omitempty"`
	Err           error           `json:"-"`
}

// Partial reports whether some windows failed.
func (o Outcome) Partial() bool {
	return len(o.FailedWindows) > 0
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLocker guards every issuer run with a lease.
func WithLocker(l Locker) Option {
	return func(o *Orchestrator) {
		o.locker = l
	}
}

// WithPublisher announces every commit.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

// WithClock overrides the source of "today".
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator runs ingestion for one or many issuers.
type Orchestrator struct {
	fetcher   Fetcher
	store     Store
	locker    Locker
	publisher Publisher
	cfg       Config
	now       func() time.Time
	log       zerolog.Logger
}

// NewOrchestrator creates an orchestrator. Zero config values fall back to
// DefaultConfig.
func NewOrchestrator(fetcher Fetcher, store Store, cfg Config, log zerolog.Logger, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.Epoch.IsZero() {
		cfg.Epoch = def.Epoch
	}
	if cfg.MaxSpanDays <= 0 {
		cfg.MaxSpanDays = def.MaxSpanDays
	}
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.Format == (numeric.Format{}) {
		cfg.Format = def.Format
	}
	cfg.Epoch = models.Day(cfg.Epoch)

	o := &Orchestrator{
		fetcher: fetcher,
		store:   store,
		cfg:     cfg,
		now:     time.Now,
		log:     log.With().Str("component", "orchestrator").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Today returns the current calendar date.
func (o *Orchestrator) Today() time.Time {
	return models.Day(o.now())
}

// Run ingests every issuer up to asOf with at most Workers issuers in
// flight. Outcomes are returned in the order of issuers; one issuer failing
// never stops the others.
func (o *Orchestrator) Run(ctx context.Context, issuers []string, asOf time.Time) []Outcome {
	runID := uuid.NewString()
	outcomes := make([]Outcome, len(issuers))

	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)
	for i, issuer := range issuers {
		g.Go(func() error {
			outcomes[i], _ = o.ingest(ctx, runID, issuer, asOf)
			return nil
		})
	}
	_ = g.Wait()

	var failed, skipped int
	var inserted int64
	for _, out := range outcomes {
		inserted += out.Inserted
		switch out.State {
		case Failed:
			failed++
		case Skipped:
			skipped++
		}
	}
	o.log.Info().
		Str("run_id", runID).
		Int("issuers", len(issuers)).
		Int("failed", failed).
		Int("skipped", skipped).
		Int64("inserted", inserted).
		Str("as_of", models.FormatDate(asOf)).
		Msg("Ingestion run finished")

	return outcomes
}

// IngestIssuer brings one issuer up to date as of asOf.
func (o *Orchestrator) IngestIssuer(ctx context.Context, issuer string, asOf time.Time) (Outcome, error) {
	return o.ingest(ctx, uuid.NewString(), issuer, asOf)
}

func (o *Orchestrator) ingest(ctx context.Context, runID, issuer string, asOf time.Time) (Outcome, error) {
	log := o.log.With().Str("run_id", runID).Str("issuer", issuer).Logger()

	// The watermark must never pass today, or days not yet traded would be
	// marked confirmed and never fetched.
	asOf = models.Day(asOf)
	if today := o.Today(); asOf.After(today) {
		log.Warn().
			Str("as_of", models.FormatDate(asOf)).
			Str("today", models.FormatDate(today)).
			Msg("As-of date is in the future, capping to today")
		asOf = today
	}
	out := Outcome{RunID: runID, Issuer: issuer, AsOf: asOf, State: Resuming}

	if o.locker != nil {
		ok, err := o.locker.Acquire(ctx, issuer)
		if err != nil {
			return o.fail(log, out, fmt.Errorf("failed to acquire lease for %s: %w", issuer, err))
		}
		if !ok {
			log.Info().Msg("Issuer busy, skipping")
			out.State = Skipped
			out.Err = ErrIssuerBusy
			return out, ErrIssuerBusy
		}
		defer func() {
			if err := o.locker.Release(context.WithoutCancel(ctx), issuer); err != nil {
				log.Warn().Err(err).Msg("Failed to release issuer lease")
			}
		}()
	}

	last, err := o.store.GetLastConfirmedDate(ctx, issuer)
	if err != nil {
		return o.fail(log, out, err)
	}
	out.Resume = o.cfg.Epoch
	if last != nil {
		wm := models.Day(*last)
		out.Resume = wm
		out.Watermark = &wm
	}
	if !out.Resume.Before(asOf) {
		log.Debug().Str("resume", models.FormatDate(out.Resume)).Msg("Already up to date")
		out.State = Idle
		return out, nil
	}

	out.State = Windowing
	windows := window.Collect(window.Split(out.Resume, asOf, o.cfg.MaxSpanDays))
	out.Windows = len(windows)

	out.State = Fetching
	var rows []models.RawRow
	for _, w := range windows {
		got, err := o.fetcher.Fetch(ctx, issuer, w)
		if err != nil {
			if ctx.Err() != nil {
				return o.fail(log, out, ctx.Err())
			}
			log.Warn().Err(err).Str("window", w.String()).Msg("Window fetch failed")
			out.FailedWindows = append(out.FailedWindows, w)
			continue
		}
		rows = append(rows, got...)
	}
	out.Fetched = len(rows)

	out.State = Normalizing
	records := o.normalize(log, issuer, rows)
	out.Dropped = len(rows) - len(records)

	out.State = Committing
	var watermark *time.Time
	if !out.Partial() || o.cfg.Policy == AdvanceWatermark {
		watermark = &asOf
	}
	inserted, err := o.store.CommitIngestion(ctx, issuer, records, watermark)
	if err != nil {
		return o.fail(log, out, err)
	}
	out.Inserted = inserted
	if watermark != nil {
		out.Advanced = true
		out.Watermark = watermark
	}
	out.State = Idle

	log.Info().
		Int("windows", out.Windows).
		Int("failed_windows", len(out.FailedWindows)).
		Int("fetched", out.Fetched).
		Int64("inserted", out.Inserted).
		Bool("advanced", out.Advanced).
		Msg("Issuer ingested")

	if o.publisher != nil {
		if err := o.publisher.PublishIssuerIngested(ctx, out); err != nil {
			log.Warn().Err(err).Msg("Failed to publish ingestion event")
		}
	}
	return out, nil
}

func (o *Orchestrator) fail(log zerolog.Logger, out Outcome, err error) (Outcome, error) {
	log.Error().Err(err).Str("phase", out.State.String()).Msg("Issuer ingestion failed")
	out.State = Failed
	out.Err = err
	return out, err
}

// normalize converts raw rows to records. Rows with an unreadable date are
// dropped, and the first row seen for a date wins.
func (o *Orchestrator) normalize(log zerolog.Logger, issuer string, rows []models.RawRow) []*models.StockRecord {
	seen := make(map[time.Time]struct{}, len(rows))
	records := make([]*models.StockRecord, 0, len(rows))

	for _, row := range rows {
		if len(row) < models.RawRowColumns {
			log.Warn().Int("cells", len(row)).Msg("Dropping short row")
			continue
		}
		date, err := models.ParseDate(row[models.ColDate])
		if err != nil {
			log.Warn().Err(err).Msg("Dropping row with unreadable date")
			continue
		}
		date = models.Day(date)
		if _, dup := seen[date]; dup {
			continue
		}
		seen[date] = struct{}{}

		num := func(col int) string {
			raw := row[col]
			v, ok := o.cfg.Format.Normalize(raw)
			if !ok && raw != "" {
				log.Debug().Str("value", raw).Int("column", col).Msg("Keeping non-numeric value as is")
			}
			return v
		}
		records = append(records, &models.StockRecord{
			Issuer:           issuer,
			Date:             date,
			LastTradePrice:   num(models.ColLastTradePrice),
			Max:              num(models.ColMax),
			Min:              num(models.ColMin),
			AvgPrice:         num(models.ColAvgPrice),
			PercentageChange: num(models.ColPercentageChange),
			Volume:           num(models.ColVolume),
			TurnoverInBest:   num(models.ColTurnoverInBest),
			TotalTurnover:    num(models.ColTotalTurnover),
		})
	}
	return records
}
