package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/trogers1052/stock-history-ingestor/internal/database"
	"github.com/trogers1052/stock-history-ingestor/internal/ingest"
	"github.com/trogers1052/stock-history-ingestor/internal/models"
)

// Repository is the read side of the store used by the API
type Repository interface {
	Ping(ctx context.Context) error
	ListIssuers(ctx context.Context) ([]string, error)
	ListProgress(ctx context.Context) ([]*models.ProgressRecord, error)
	GetProgress(ctx context.Context, issuer string) (*models.ProgressRecord, error)
	GetStockRecordsRange(ctx context.Context, issuer string, from, to time.Time) ([]*models.StockRecord, error)
}

// Runner executes ingestion runs
type Runner interface {
	Run(ctx context.Context, issuers []string, asOf time.Time) []ingest.Outcome
	Today() time.Time
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	repo   Repository
	runner Runner
	log    zerolog.Logger
}

// NewHandler creates a new Handler. runner may be nil, in which case the
// ingestion trigger is unavailable.
func NewHandler(repo Repository, runner Runner, log zerolog.Logger) *Handler {
	return &Handler{
		repo:   repo,
		runner: runner,
		log:    log.With().Str("component", "api").Logger(),
	}
}

type progressResponse struct {
	Issuer            string    `json:"issuer"`
	LastConfirmedDate string    `json:"last_confirmed_date,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type recordResponse struct {
	Date             string `json:"date"`
	LastTradePrice   string `json:"last_trade_price"`
	Max              string `json:"max"`
	Min              string `json:"min"`
	AvgPrice         string `json:"avg_price"`
	PercentageChange string `json:"percentage_change"`
	Volume           string `json:"volume"`
	TurnoverInBest   string `json:"turnover_in_best"`
	TotalTurnover    string `json:"total_turnover"`
}

type windowResponse struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type outcomeResponse struct {
	Issuer        string           `json:"issuer"`
	State         string           `json:"state"`
	Windows       int              `json:"windows"`
	FailedWindows []windowResponse `json:"failed_windows,omitempty"`
	Fetched       int              `json:"fetched"`
	Inserted      int64            `json:"inserted"`
	Advanced      bool             `json:"advanced"`
	Watermark     string           `json:"watermark,omitempty"`
	Error         string           `json:"error,omitempty"`
}

type ingestRequest struct {
	Issuers []string `json:"issuers"`
	AsOf    string   `json:"as_of"`
}

type ingestResponse struct {
	RunID    string            `json:"run_id,omitempty"`
	AsOf     string            `json:"as_of"`
	Outcomes []outcomeResponse `json:"outcomes"`
}

// GetAllProgress handles GET /issuers
func (h *Handler) GetAllProgress(w http.ResponseWriter, r *http.Request) {
	records, err := h.repo.ListProgress(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]progressResponse, 0, len(records))
	for _, p := range records {
		out = append(out, toProgressResponse(p))
	}
	respondJSON(w, http.StatusOK, out)
}

// GetProgress handles GET /issuers/{issuer}/progress
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	issuer := strings.ToUpper(mux.Vars(r)["issuer"])

	p, err := h.repo.GetProgress(r.Context(), issuer)
	if errors.Is(err, database.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusOK, toProgressResponse(p))
}

// GetRecords handles GET /issuers/{issuer}/records?from=MM/DD/YYYY&to=MM/DD/YYYY
func (h *Handler) GetRecords(w http.ResponseWriter, r *http.Request) {
	issuer := strings.ToUpper(mux.Vars(r)["issuer"])
	query := r.URL.Query()

	from := ingest.DefaultEpoch
	if v := query.Get("from"); v != "" {
		d, err := models.ParseDate(v)
		if err != nil {
			http.Error(w, "invalid from date, expected MM/DD/YYYY", http.StatusBadRequest)
			return
		}
		from = d
	}
	to := h.today()
	if v := query.Get("to"); v != "" {
		d, err := models.ParseDate(v)
		if err != nil {
			http.Error(w, "invalid to date, expected MM/DD/YYYY", http.StatusBadRequest)
			return
		}
		to = d
	}
	if to.Before(from) {
		http.Error(w, "to must not be before from", http.StatusBadRequest)
		return
	}

	records, err := h.repo.GetStockRecordsRange(r.Context(), issuer, from, to)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err)
		return
	}

	out := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, recordResponse{
			Date:             models.FormatDate(rec.Date),
			LastTradePrice:   rec.LastTradePrice,
			Max:              rec.Max,
			Min:              rec.Min,
			AvgPrice:         rec.AvgPrice,
			PercentageChange: rec.PercentageChange,
			Volume:           rec.Volume,
			TurnoverInBest:   rec.TurnoverInBest,
			TotalTurnover:    rec.TotalTurnover,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// TriggerIngest handles POST /ingest. It runs synchronously and returns one
// outcome per issuer.
func (h *Handler) TriggerIngest(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		http.Error(w, "ingestion is not enabled", http.StatusServiceUnavailable)
		return
	}

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	asOf := h.runner.Today()
	if req.AsOf != "" {
		d, err := models.ParseDate(req.AsOf)
		if err != nil {
			http.Error(w, "invalid as_of date, expected MM/DD/YYYY", http.StatusBadRequest)
			return
		}
		asOf = d
	}
	if asOf.After(h.runner.Today()) {
		http.Error(w, "as_of must not be after today", http.StatusBadRequest)
		return
	}

	issuers := make([]string, 0, len(req.Issuers))
	for _, issuer := range req.Issuers {
		issuer = strings.ToUpper(strings.TrimSpace(issuer))
		if !models.ValidIssuerCode(issuer) {
			http.Error(w, "invalid issuer code: "+issuer, http.StatusBadRequest)
			return
		}
		issuers = append(issuers, issuer)
	}
	if len(issuers) == 0 {
		all, err := h.repo.ListIssuers(r.Context())
		if err != nil {
			h.respondError(w, http.StatusInternalServerError, err)
			return
		}
		issuers = all
	}

	h.log.Info().Strs("issuers", issuers).Str("as_of", models.FormatDate(asOf)).Msg("Ingestion triggered")
	outcomes := h.runner.Run(r.Context(), issuers, asOf)

	resp := ingestResponse{
		AsOf:     models.FormatDate(asOf),
		Outcomes: make([]outcomeResponse, 0, len(outcomes)),
	}
	for _, o := range outcomes {
		resp.RunID = o.RunID
		resp.Outcomes = append(resp.Outcomes, toOutcomeResponse(o))
	}
	respondJSON(w, http.StatusOK, resp)
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		h.log.Warn().Err(err).Msg("Health check failed")
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handler) today() time.Time {
	if h.runner != nil {
		return h.runner.Today()
	}
	return models.Day(time.Now())
}

func (h *Handler) respondError(w http.ResponseWriter, status int, err error) {
	h.log.Error().Err(err).Msg("Request failed")
	http.Error(w, err.Error(), status)
}

func toProgressResponse(p *models.ProgressRecord) progressResponse {
	resp := progressResponse{Issuer: p.Issuer, UpdatedAt: p.UpdatedAt}
	if p.LastConfirmedDate != nil {
		resp.LastConfirmedDate = models.FormatDate(*p.LastConfirmedDate)
	}
	return resp
}

func toOutcomeResponse(o ingest.Outcome) outcomeResponse {
	resp := outcomeResponse{
		Issuer:   o.Issuer,
		State:    o.State.String(),
		Windows:  o.Windows,
		Fetched:  o.Fetched,
		Inserted: o.Inserted,
		Advanced: o.Advanced,
	}
	for _, fw := range o.FailedWindows {
		resp.FailedWindows = append(resp.FailedWindows, windowResponse{
			From: models.FormatDate(fw.Start),
			To:   models.FormatDate(fw.End),
		})
	}
	if o.Watermark != nil {
		resp.Watermark = models.FormatDate(*o.Watermark)
	}
	if o.Err != nil {
		resp.Error = o.Err.Error()
	}
	return resp
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
