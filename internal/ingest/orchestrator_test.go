package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trogers1052/stock-history-ingestor/internal/models"
	"github.com/trogers1052/stock-history-ingestor/internal/source"
	"github.com/trogers1052/stock-history-ingestor/internal/window"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func row(date, avg, volume string) models.RawRow {
	return models.RawRow{date, avg, avg, avg, avg, "0,00", volume, volume, volume}
}

// MockFetcher serves rows per issuer and records every requested window.
type MockFetcher struct {
	mu       sync.Mutex
	Rows     map[string][]models.RawRow
	FailOn   map[window.Window]bool
	Requests map[string][]window.Window
	Delay    time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func NewMockFetcher() *MockFetcher {
	return &MockFetcher{
		Rows:     make(map[string][]models.RawRow),
		FailOn:   make(map[window.Window]bool),
		Requests: make(map[string][]window.Window),
	}
}

func (m *MockFetcher) Fetch(ctx context.Context, issuer string, w window.Window) ([]models.RawRow, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		peak := m.maxInFlight.Load()
		if n <= peak || m.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests[issuer] = append(m.Requests[issuer], w)
	if m.FailOn[w] {
		return nil, &source.StatusError{StatusCode: http.StatusBadGateway, Issuer: issuer, Window: w}
	}

	var out []models.RawRow
	for _, r := range m.Rows[issuer] {
		d, err := models.ParseDate(r[models.ColDate])
		if err != nil || (!d.Before(w.Start) && !d.After(w.End)) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MockFetcher) WindowsFor(issuer string) []window.Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]window.Window(nil), m.Requests[issuer]...)
}

// MockStore is an in-memory Store with insert-if-absent semantics.
type MockStore struct {
	mu         sync.Mutex
	Watermarks map[string]time.Time
	Records    map[string]map[time.Time]*models.StockRecord
	Commits    int
	CommitErr  error
	ReadErr    error
}

func NewMockStore() *MockStore {
	return &MockStore{
		Watermarks: make(map[string]time.Time),
		Records:    make(map[string]map[time.Time]*models.StockRecord),
	}
}

func (m *MockStore) GetLastConfirmedDate(ctx context.Context, issuer string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	if wm, ok := m.Watermarks[issuer]; ok {
		return &wm, nil
	}
	return nil, nil
}

func (m *MockStore) CommitIngestion(ctx context.Context, issuer string, records []*models.StockRecord, watermark *time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Commits++
	if m.CommitErr != nil {
		return 0, m.CommitErr
	}

	if m.Records[issuer] == nil {
		m.Records[issuer] = make(map[time.Time]*models.StockRecord)
	}
	var inserted int64
	for _, r := range records {
		if _, ok := m.Records[issuer][r.Date]; ok {
			continue
		}
		m.Records[issuer][r.Date] = r
		inserted++
	}
	if watermark != nil {
		m.Watermarks[issuer] = *watermark
	}
	return inserted, nil
}

func (m *MockStore) Watermark(issuer string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wm, ok := m.Watermarks[issuer]
	return wm, ok
}

func (m *MockStore) Count(issuer string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Records[issuer])
}

type MockLocker struct {
	mu       sync.Mutex
	Held     map[string]bool
	Released []string
}

func (m *MockLocker) Acquire(ctx context.Context, issuer string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Held[issuer] {
		return false, nil
	}
	m.Held[issuer] = true
	return true, nil
}

func (m *MockLocker) Release(ctx context.Context, issuer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Held, issuer)
	m.Released = append(m.Released, issuer)
	return nil
}

type MockPublisher struct {
	mu       sync.Mutex
	Outcomes []Outcome
	Err      error
}

func (m *MockPublisher) PublishIssuerIngested(ctx context.Context, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Outcomes = append(m.Outcomes, outcome)
	return m.Err
}

func newOrchestrator(f Fetcher, s Store, opts ...Option) *Orchestrator {
	cfg := DefaultConfig()
	cfg.Workers = 4
	return NewOrchestrator(f, s, cfg, zerolog.Nop(), opts...)
}

const adinPage = `<html><body><table id="resultsTable">
<tr><th>Date</th><th>Last trade price</th><th>Max</th><th>Min</th><th>Avg. Price</th><th>%chg.</th><th>Volume</th><th>Turnover in BEST</th><th>Total turnover</th></tr>
<tr><td>1/9/2015</td><td>1.800,00</td><td>1.800,00</td><td>1.790,00</td><td>1795,5</td><td>0,28</td><td>120</td><td>215460</td><td>215.460</td></tr>
<tr><td>1/8/2015</td><td>1.790,00</td><td></td><td></td><td>1.790,00</td><td>0,00</td><td>0</td><td>0</td><td>0</td></tr>
<tr><td>1/7/2015</td><td>1.790,00</td><td>1.795,00</td><td>1.785,00</td><td>1.790,00</td><td>-0,56</td><td>45</td><td>80.550</td><td>80.550</td></tr>
</table></body></html>`

func TestIngestIssuer_FirstRunFromEpoch(t *testing.T) {
	var queries []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.Path+"?"+r.URL.RawQuery)
		mu.Unlock()
		_, _ = w.Write([]byte(adinPage))
	}))
	defer server.Close()

	cfg := source.DefaultConfig()
	cfg.BaseURL = server.URL
	cfg.RatePerSecond = 0
	client := source.NewClient(cfg, zerolog.Nop())

	store := NewMockStore()
	o := newOrchestrator(client, store)

	out, err := o.IngestIssuer(context.Background(), "ADIN", day(2015, 1, 10))
	require.NoError(t, err)

	assert.Equal(t, Idle, out.State)
	assert.Equal(t, DefaultEpoch, out.Resume)
	assert.Equal(t, 1, out.Windows)
	assert.Equal(t, int64(2), out.Inserted)
	assert.True(t, out.Advanced)
	require.NotNil(t, out.Watermark)
	assert.Equal(t, day(2015, 1, 10), *out.Watermark)

	wm, ok := store.Watermark("ADIN")
	require.True(t, ok)
	assert.Equal(t, "01/10/2015", models.FormatDate(wm))
	assert.Equal(t, 2, store.Count("ADIN"))

	rec := store.Records["ADIN"][day(2015, 1, 9)]
	require.NotNil(t, rec)
	assert.Equal(t, "1.795,50", rec.AvgPrice)
	assert.Equal(t, "215.460", rec.TurnoverInBest)
	assert.Equal(t, "120", rec.Volume)
	assert.Nil(t, store.Records["ADIN"][day(2015, 1, 8)])

	require.Len(t, queries, 1)
	assert.Equal(t, "/ADIN?FromDate=11%2F10%2F2014&ToDate=01%2F10%2F2015", queries[0])
}

func TestIngestIssuer_SplitsLongRanges(t *testing.T) {
	fetcher := NewMockFetcher()
	store := NewMockStore()
	store.Watermarks["TTK"] = day(2020, 12, 31)
	o := newOrchestrator(fetcher, store)

	out, err := o.IngestIssuer(context.Background(), "TTK", day(2022, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, out.Windows)

	assert.Equal(t, []window.Window{
		{Start: day(2020, 12, 31), End: day(2021, 12, 30)},
		{Start: day(2021, 12, 31), End: day(2022, 1, 2)},
	}, fetcher.WindowsFor("TTK"))

	wm, _ := store.Watermark("TTK")
	assert.Equal(t, day(2022, 1, 2), wm)
}

func TestIngestIssuer_SecondRunIsNoop(t *testing.T) {
	fetcher := NewMockFetcher()
	fetcher.Rows["ALK"] = []models.RawRow{row("1/5/2015", "10", "5"), row("1/6/2015", "11", "7")}
	store := NewMockStore()
	o := newOrchestrator(fetcher, store)
	asOf := day(2015, 1, 10)

	first, err := o.IngestIssuer(context.Background(), "ALK", asOf)
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.Inserted)

	second, err := o.IngestIssuer(context.Background(), "ALK", asOf)
	require.NoError(t, err)
	assert.Equal(t, Idle, second.State)
	assert.Equal(t, 0, second.Windows)
	assert.Equal(t, int64(0), second.Inserted)

	assert.Len(t, fetcher.WindowsFor("ALK"), 1)
	assert.Equal(t, 1, store.Commits)
	assert.Equal(t, 2, store.Count("ALK"))
}

func TestIngestIssuer_ResumeOverlapDoesNotDuplicate(t *testing.T) {
	fetcher := NewMockFetcher()
	fetcher.Rows["KMB"] = []models.RawRow{row("1/5/2015", "10", "5"), row("1/6/2015", "11", "7")}
	store := NewMockStore()
	o := newOrchestrator(fetcher, store)

	_, err := o.IngestIssuer(context.Background(), "KMB", day(2015, 1, 5))
	require.NoError(t, err)
	assert.Equal(t, 1, store.Count("KMB"))

	out, err := o.IngestIssuer(context.Background(), "KMB", day(2015, 1, 6))
	require.NoError(t, err)
	assert.Equal(t, 2, out.Fetched)
	assert.Equal(t, int64(1), out.Inserted)
	assert.Equal(t, 2, store.Count("KMB"))
}

func TestIngestIssuer_PartialFailureHoldsWatermark(t *testing.T) {
	fetcher := NewMockFetcher()
	fetcher.Rows["TTK"] = []models.RawRow{row("6/1/2021", "100", "3"), row("1/1/2022", "120", "4")}
	fetcher.FailOn[window.Window{Start: day(2021, 12, 31), End: day(2022, 1, 2)}] = true
	store := NewMockStore()
	store.Watermarks["TTK"] = day(2020, 12, 31)
	o := newOrchestrator(fetcher, store)

	out, err := o.IngestIssuer(context.Background(), "TTK", day(2022, 1, 2))
	require.NoError(t, err)

	assert.Equal(t, Idle, out.State)
	assert.True(t, out.Partial())
	assert.Len(t, out.FailedWindows, 1)
	assert.Equal(t, int64(1), out.Inserted)
	assert.False(t, out.Advanced)
	require.NotNil(t, out.Watermark)
	assert.Equal(t, day(2020, 12, 31), *out.Watermark)

	wm, _ := store.Watermark("TTK")
	assert.Equal(t, day(2020, 12, 31), wm)

	// The next run covers the whole range again and recovers the gap.
	delete(fetcher.FailOn, window.Window{Start: day(2021, 12, 31), End: day(2022, 1, 2)})
	out, err = o.IngestIssuer(context.Background(), "TTK", day(2022, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.Inserted)
	assert.True(t, out.Advanced)
	assert.Equal(t, 2, store.Count("TTK"))
}

func TestIngestIssuer_PartialFailureAdvancePolicy(t *testing.T) {
	fetcher := NewMockFetcher()
	fetcher.Rows["TTK"] = []models.RawRow{row("6/1/2021", "100", "3"), row("1/1/2022", "120", "4")}
	fetcher.FailOn[window.Window{Start: day(2021, 12, 31), End: day(2022, 1, 2)}] = true
	store := NewMockStore()
	store.Watermarks["TTK"] = day(2020, 12, 31)

	cfg := DefaultConfig()
	cfg.Policy = AdvanceWatermark
	o := NewOrchestrator(fetcher, store, cfg, zerolog.Nop())

	out, err := o.IngestIssuer(context.Background(), "TTK", day(2022, 1, 2))
	require.NoError(t, err)
	assert.True(t, out.Partial())
	assert.True(t, out.Advanced)

	wm, _ := store.Watermark("TTK")
	assert.Equal(t, day(2022, 1, 2), wm)
	assert.Equal(t, 1, store.Count("TTK"))
}

func TestIngestIssuer_StoreErrorDoesNotAdvance(t *testing.T) {
	fetcher := NewMockFetcher()
	fetcher.Rows["ALK"] = []models.RawRow{row("1/5/2015", "10", "5")}
	store := NewMockStore()
	store.CommitErr = errors.New("failed to commit transaction: connection reset")
	o := newOrchestrator(fetcher, store)

	out, err := o.IngestIssuer(context.Background(), "ALK", day(2015, 1, 10))
	require.Error(t, err)
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, err, out.Err)
	assert.False(t, out.Advanced)

	_, ok := store.Watermark("ALK")
	assert.False(t, ok)
}

func TestIngestIssuer_ReadErrorFails(t *testing.T) {
	store := NewMockStore()
	store.ReadErr = errors.New("failed to get last confirmed date: timeout")
	o := newOrchestrator(NewMockFetcher(), store)

	out, err := o.IngestIssuer(context.Background(), "ALK", day(2015, 1, 10))
	require.Error(t, err)
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, 0, store.Commits)
}

func TestIngestIssuer_UpToDateDoesNotWrite(t *testing.T) {
	fetcher := NewMockFetcher()
	store := NewMockStore()
	store.Watermarks["ALK"] = day(2015, 1, 10)
	o := newOrchestrator(fetcher, store)

	for _, asOf := range []time.Time{day(2015, 1, 10), day(2015, 1, 9)} {
		out, err := o.IngestIssuer(context.Background(), "ALK", asOf)
		require.NoError(t, err)
		assert.Equal(t, Idle, out.State)
		assert.Equal(t, 0, out.Windows)
	}
	assert.Empty(t, fetcher.WindowsFor("ALK"))
	assert.Equal(t, 0, store.Commits)
}

func TestIngestIssuer_FutureAsOfIsCappedToToday(t *testing.T) {
	fetcher := NewMockFetcher()
	fetcher.Rows["ALK"] = []models.RawRow{row("1/8/2025", "10", "5"), row("1/14/2025", "11", "7")}
	store := NewMockStore()
	store.Watermarks["ALK"] = day(2025, 1, 1)

	now := day(2025, 1, 10).Add(15 * time.Hour)
	o := newOrchestrator(fetcher, store, WithClock(func() time.Time { return now }))

	out, err := o.IngestIssuer(context.Background(), "ALK", day(2026, 6, 1))
	require.NoError(t, err)
	assert.Equal(t, day(2025, 1, 10), out.AsOf)
	assert.True(t, out.Advanced)
	require.NotNil(t, out.Watermark)
	assert.Equal(t, day(2025, 1, 10), *out.Watermark)
	assert.Equal(t, []window.Window{{Start: day(2025, 1, 1), End: day(2025, 1, 10)}}, fetcher.WindowsFor("ALK"))

	wm, _ := store.Watermark("ALK")
	assert.Equal(t, day(2025, 1, 10), wm)

	// Once the later days have happened they are still fetched.
	now = day(2025, 1, 15)
	out, err = o.IngestIssuer(context.Background(), "ALK", o.Today())
	require.NoError(t, err)
	assert.Equal(t, 1, out.Windows)
	assert.Equal(t, int64(1), out.Inserted)
	assert.Equal(t, 2, store.Count("ALK"))
}

func TestIngestIssuer_NormalizesAndDeduplicates(t *testing.T) {
	fetcher := NewMockFetcher()
	fetcher.Rows["GRNT"] = []models.RawRow{
		row("1/5/2015", "1234,5", "1000"),
		row("01/05/2015", "999", "1"),
		row("not a date", "1", "1"),
		{"1/6/2015", "n/a", "", "", "12,3", "0,00", "12345", "1", "1"},
		{"1/7/2015", "short"},
	}
	store := NewMockStore()
	o := newOrchestrator(fetcher, store)

	out, err := o.IngestIssuer(context.Background(), "GRNT", day(2015, 1, 10))
	require.NoError(t, err)
	assert.Equal(t, 5, out.Fetched)
	assert.Equal(t, 3, out.Dropped)
	assert.Equal(t, int64(2), out.Inserted)

	first := store.Records["GRNT"][day(2015, 1, 5)]
	require.NotNil(t, first)
	assert.Equal(t, "1.234,50", first.AvgPrice)
	assert.Equal(t, "1.000", first.Volume)

	second := store.Records["GRNT"][day(2015, 1, 6)]
	require.NotNil(t, second)
	assert.Equal(t, "n/a", second.LastTradePrice)
	assert.Equal(t, "", second.Max)
	assert.Equal(t, "12,30", second.AvgPrice)
	assert.Equal(t, "12.345", second.Volume)
}

func TestIngestIssuer_AllWindowsFailedCommitsNothing(t *testing.T) {
	fetcher := NewMockFetcher()
	fetcher.FailOn[window.Window{Start: DefaultEpoch, End: day(2015, 1, 10)}] = true
	store := NewMockStore()
	o := newOrchestrator(fetcher, store)

	out, err := o.IngestIssuer(context.Background(), "ALK", day(2015, 1, 10))
	require.NoError(t, err)
	assert.Equal(t, int64(0), out.Inserted)
	assert.False(t, out.Advanced)
	assert.Nil(t, out.Watermark)

	_, ok := store.Watermark("ALK")
	assert.False(t, ok)
}

func TestIngestIssuer_CanceledContextFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	cfg := source.DefaultConfig()
	cfg.BaseURL = server.URL
	cfg.RatePerSecond = 0
	client := source.NewClient(cfg, zerolog.Nop())
	store := NewMockStore()
	o := newOrchestrator(client, store)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	out, err := o.IngestIssuer(ctx, "ALK", day(2015, 1, 10))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, 0, store.Commits)
}

func TestIngestIssuer_BusyIssuerIsSkipped(t *testing.T) {
	locker := &MockLocker{Held: map[string]bool{"ALK": true}}
	fetcher := NewMockFetcher()
	store := NewMockStore()
	o := newOrchestrator(fetcher, store, WithLocker(locker))

	out, err := o.IngestIssuer(context.Background(), "ALK", day(2015, 1, 10))
	assert.ErrorIs(t, err, ErrIssuerBusy)
	assert.Equal(t, Skipped, out.State)
	assert.Empty(t, fetcher.WindowsFor("ALK"))
	assert.Empty(t, locker.Released)

	out, err = o.IngestIssuer(context.Background(), "KMB", day(2015, 1, 10))
	require.NoError(t, err)
	assert.Equal(t, Idle, out.State)
	assert.Equal(t, []string{"KMB"}, locker.Released)
	assert.False(t, locker.Held["KMB"])
}

func TestIngestIssuer_PublishesOutcome(t *testing.T) {
	fetcher := NewMockFetcher()
	fetcher.Rows["ALK"] = []models.RawRow{row("1/5/2015", "10", "5")}
	publisher := &MockPublisher{Err: errors.New("broker unavailable")}
	o := newOrchestrator(fetcher, NewMockStore(), WithPublisher(publisher))

	out, err := o.IngestIssuer(context.Background(), "ALK", day(2015, 1, 10))
	require.NoError(t, err, "publish failures must not fail the ingestion")

	require.Len(t, publisher.Outcomes, 1)
	assert.Equal(t, out.RunID, publisher.Outcomes[0].RunID)
	assert.Equal(t, int64(1), publisher.Outcomes[0].Inserted)

	// Nothing is published when there was nothing to do.
	_, err = o.IngestIssuer(context.Background(), "ALK", day(2015, 1, 10))
	require.NoError(t, err)
	assert.Len(t, publisher.Outcomes, 1)
}

func TestRun_IsolatesIssuerFailures(t *testing.T) {
	fetcher := NewMockFetcher()
	for _, issuer := range []string{"ALK", "KMB", "TTK"} {
		fetcher.Rows[issuer] = []models.RawRow{row("1/5/2015", "10", "5")}
	}
	store := &failingStore{MockStore: NewMockStore(), failFor: "KMB"}
	o := newOrchestrator(fetcher, store)

	outcomes := o.Run(context.Background(), []string{"ALK", "KMB", "TTK"}, day(2015, 1, 10))
	require.Len(t, outcomes, 3)

	assert.Equal(t, "ALK", outcomes[0].Issuer)
	assert.Equal(t, Idle, outcomes[0].State)
	assert.Equal(t, Failed, outcomes[1].State)
	assert.Error(t, outcomes[1].Err)
	assert.Equal(t, Idle, outcomes[2].State)

	assert.Equal(t, outcomes[0].RunID, outcomes[2].RunID)
	assert.Equal(t, 1, store.Count("ALK"))
	assert.Equal(t, 1, store.Count("TTK"))
}

func TestRun_BoundsConcurrency(t *testing.T) {
	fetcher := NewMockFetcher()
	fetcher.Delay = 20 * time.Millisecond
	issuers := make([]string, 12)
	for i := range issuers {
		issuers[i] = fmt.Sprintf("ISS%c", 'A'+i)
	}

	cfg := DefaultConfig()
	cfg.Workers = 3
	o := NewOrchestrator(fetcher, NewMockStore(), cfg, zerolog.Nop())

	outcomes := o.Run(context.Background(), issuers, day(2015, 1, 10))
	require.Len(t, outcomes, len(issuers))
	for i, out := range outcomes {
		assert.Equal(t, issuers[i], out.Issuer)
		assert.Equal(t, Idle, out.State)
	}
	assert.LessOrEqual(t, fetcher.maxInFlight.Load(), int32(3))
	assert.Greater(t, fetcher.maxInFlight.Load(), int32(1))
}

type failingStore struct {
	*MockStore
	failFor string
}

func (f *failingStore) CommitIngestion(ctx context.Context, issuer string, records []*models.StockRecord, watermark *time.Time) (int64, error) {
	if issuer == f.failFor {
		return 0, fmt.Errorf("failed to insert stock record for %s", issuer)
	}
	return f.MockStore.CommitIngestion(ctx, issuer, records, watermark)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("advance")
	require.NoError(t, err)
	assert.Equal(t, AdvanceWatermark, p)

	p, err = ParsePolicy("Hold")
	require.NoError(t, err)
	assert.Equal(t, HoldWatermark, p)

	_, err = ParsePolicy("sometimes")
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "skipped", Skipped.String())
	assert.Equal(t, "state(42)", State(42).String())

	text, err := Failed.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "failed", string(text))
}
