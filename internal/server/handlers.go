package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/karthikm/nsewatch/internal/alerts"
	"github.com/karthikm/nsewatch/internal/cache"
	"github.com/karthikm/nsewatch/internal/domain"
	"github.com/karthikm/nsewatch/internal/market"
	"github.com/karthikm/nsewatch/internal/options"
	"github.com/karthikm/nsewatch/internal/scheduler"
	"github.com/karthikm/nsewatch/internal/universe"
)

// Handlers holds the read-only views over the pipeline state
type Handlers struct {
	quotes    *cache.QuoteStore
	history   *cache.HistoryStore
	alertLog  *alerts.Log
	cooldown  *alerts.CooldownManager
	scheduler *scheduler.Scheduler
	evaluator *options.Evaluator
	universe  *universe.Universe
	calendar  *market.Calendar
	startup   time.Time
	log       zerolog.Logger
}

// NewHandlers creates the handler set
func NewHandlers(quotes *cache.QuoteStore, history *cache.HistoryStore, alertLog *alerts.Log,
	cooldown *alerts.CooldownManager, sched *scheduler.Scheduler, evaluator *options.Evaluator,
	uni *universe.Universe, calendar *market.Calendar, log zerolog.Logger) *Handlers {
	return &Handlers{
		quotes:    quotes,
		history:   history,
		alertLog:  alertLog,
		cooldown:  cooldown,
		scheduler: sched,
		evaluator: evaluator,
		universe:  uni,
		calendar:  calendar,
		startup:   time.Now(),
		log:       log.With().Str("component", "handlers").Logger(),
	}
}

// HealthResponse is the /health body
type HealthResponse struct {
	Status      string `json:"status"`
	MarketPhase string `json:"market_phase"`
	CacheStatus string `json:"cache_status,omitempty"`
}

// HandleHealth reports liveness plus the collection status
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "healthy",
		MarketPhase: string(h.calendar.Phase(time.Now())),
	}
	if _, status, ok, err := h.quotes.CollectionStatus(r.Context()); err == nil && ok {
		resp.CacheStatus = status
	}
	h.writeJSON(w, resp)
}

// SystemResponse is the /api/system body
type SystemResponse struct {
	UptimeHours float64 `json:"uptime_hours"`
	CPUPercent  float64 `json:"cpu_percent"`
	RAMPercent  float64 `json:"ram_percent"`
	MarketPhase string  `json:"market_phase"`
}

// HandleSystem returns host resource usage
func (h *Handlers) HandleSystem(w http.ResponseWriter, _ *http.Request) {
	resp := SystemResponse{
		UptimeHours: time.Since(h.startup).Hours(),
		MarketPhase: string(h.calendar.Phase(time.Now())),
	}

	// 100ms sample keeps the endpoint responsive for dashboard polling
	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		resp.CPUPercent = cpuPercent[0]
	} else if err != nil {
		h.log.Warn().Err(err).Msg("Failed to read CPU usage")
	}

	if memStat, err := mem.VirtualMemory(); err == nil {
		resp.RAMPercent = memStat.UsedPercent
	} else {
		h.log.Warn().Err(err).Msg("Failed to read memory usage")
	}

	h.writeJSON(w, resp)
}

// CacheStatsResponse is the /api/cache/stats body
type CacheStatsResponse struct {
	QuoteRows        int64  `json:"quote_rows"`
	HistorySeries    int64  `json:"history_series"`
	AlertRows        int64  `json:"alert_rows"`
	CooldownEntries  int    `json:"cooldown_entries"`
	LastCollection   string `json:"last_collection,omitempty"`
	CollectionStatus string `json:"collection_status,omitempty"`
}

// HandleCacheStats returns row counts across the stores
func (h *Handlers) HandleCacheStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var resp CacheStatsResponse

	var err error
	if resp.QuoteRows, err = h.quotes.Count(ctx); err != nil {
		h.log.Warn().Err(err).Msg("Failed to count quote rows")
	}
	if resp.HistorySeries, err = h.history.Count(ctx); err != nil {
		h.log.Warn().Err(err).Msg("Failed to count history rows")
	}
	if resp.AlertRows, err = h.alertLog.Count(ctx); err != nil {
		h.log.Warn().Err(err).Msg("Failed to count alert rows")
	}
	resp.CooldownEntries = h.cooldown.Size()

	if ts, status, ok, err := h.quotes.CollectionStatus(ctx); err == nil && ok {
		resp.LastCollection = ts.UTC().Format(time.RFC3339)
		resp.CollectionStatus = status
	}

	h.writeJSON(w, resp)
}

// HandleScheduler returns per-task run counters
func (h *Handlers) HandleScheduler(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, map[string]any{"tasks": h.scheduler.Snapshot()})
}

// EvaluatorResponse is the /api/evaluator body
type EvaluatorResponse struct {
	Evaluated bool    `json:"evaluated"`
	Signal    string  `json:"signal,omitempty"`
	Score     float64 `json:"score,omitempty"`
	Layers    int     `json:"layers,omitempty"`
}

// HandleEvaluator returns today's option-selling state
func (h *Handlers) HandleEvaluator(w http.ResponseWriter, _ *http.Request) {
	var resp EvaluatorResponse
	if h.evaluator != nil {
		signal, score, layers, ok := h.evaluator.State()
		resp = EvaluatorResponse{Evaluated: ok, Signal: string(signal), Score: score, Layers: layers}
	}
	h.writeJSON(w, resp)
}

// UniverseInstrument is one row of the /api/universe body
type UniverseInstrument struct {
	Symbol       string `json:"symbol"`
	Token        int64  `json:"token"`
	Kind         string `json:"kind"`
	Future       string `json:"future,omitempty"`
	FutureExpiry string `json:"future_expiry,omitempty"`
}

// UniverseResponse is the /api/universe body
type UniverseResponse struct {
	RefreshedAt string               `json:"refreshed_at,omitempty"`
	Count       int                  `json:"count"`
	Instruments []UniverseInstrument `json:"instruments"`
}

// HandleUniverse lists the resolved instrument set, with the future
// tracked for each watched equity.
func (h *Handlers) HandleUniverse(w http.ResponseWriter, _ *http.Request) {
	var resp UniverseResponse
	if h.universe == nil {
		h.writeJSON(w, resp)
		return
	}

	if at := h.universe.RefreshedAt(); !at.IsZero() {
		resp.RefreshedAt = at.UTC().Format(time.RFC3339)
	}
	for _, symbol := range h.universe.Symbols() {
		inst, ok := h.universe.Instrument(symbol)
		if !ok {
			continue
		}
		row := UniverseInstrument{Symbol: symbol, Token: inst.Token, Kind: string(inst.Kind)}
		if fut, ok := h.universe.Future(symbol); ok {
			row.Future = fut.Symbol
			row.FutureExpiry = fut.Expiry.Format("2006-01-02")
		}
		resp.Instruments = append(resp.Instruments, row)
	}
	resp.Count = len(resp.Instruments)
	h.writeJSON(w, resp)
}

// HandleRecentAlerts returns the newest logged alerts
func (h *Handlers) HandleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if _, err := fmt.Sscanf(q, "%d", &limit); err != nil || limit < 1 || limit > 500 {
			http.Error(w, "limit must be 1-500", http.StatusBadRequest)
			return
		}
	}

	recent, err := h.alertLog.Recent(r.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read recent alerts")
		http.Error(w, "failed to read alerts", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, map[string]any{"alerts": recent, "count": len(recent)})
}

// HandleExportCSV streams the alert log in the spreadsheet layout.
// An optional ?horizon= query filters to one alert horizon.
func (h *Handlers) HandleExportCSV(w http.ResponseWriter, r *http.Request) {
	horizon := domain.Horizon(r.URL.Query().Get("horizon"))

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="alerts.csv"`)

	if err := h.alertLog.ExportCSV(r.Context(), w, horizon); err != nil {
		h.log.Error().Err(err).Msg("CSV export failed")
		// Headers are out; nothing sensible to send but a log entry
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}
