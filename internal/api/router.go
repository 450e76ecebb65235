package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"market-screener/internal/marketdata/agg"
	"market-screener/internal/marketdata/ranking"
	"market-screener/internal/model"
)

// NewRouter wires every route over s. changes may be nil (no /ws).
func NewRouter(s Screener, changes Changes) http.Handler {
	h := &handlers{s: s}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
		r.Get("/instruments", h.instruments)
		r.Get("/order", h.order)
		r.Get("/grid", h.grid)
		r.Get("/candles/{symbol}", h.candles)
		r.Get("/tickers", h.tickers)

		r.Get("/alerts", h.alerts)
		r.Post("/alerts", h.trigger)
		r.Post("/alerts/seen", h.markSeen)

		r.Put("/price-alerts/{symbol}", h.setPriceAlert)
		r.Delete("/price-alerts/{symbol}", h.clearPriceAlert)

		r.Post("/select/{symbol}", h.selectSymbol)

		r.Get("/config", h.config)
		r.Put("/config/interval", h.setInterval)
		r.Put("/config/throttle", h.setThrottle)
		r.Put("/config/sort", h.setSort)
		r.Put("/config/candle-length", h.setCandleLength)
		r.Put("/config/display", h.setDisplay)
		r.Put("/config/anomaly", h.setAnomaly)
	})

	if changes != nil {
		r.Get("/ws", newStreamHandler(s, changes).ServeHTTP)
	}
	return r
}

// cors sets permissive CORS headers for the browser frontend.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type handlers struct {
	s Screener
}

func (h *handlers) instruments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.s.Instruments())
}

func (h *handlers) order(w http.ResponseWriter, r *http.Request) {
	order := h.s.Order()
	if order == nil {
		order = []string{}
	}
	writeJSON(w, http.StatusOK, order)
}

// grid returns every instrument in ranked order with its throttled series.
// ?view=live switches to the unthrottled series.
func (h *handlers) grid(w http.ResponseWriter, r *http.Request) {
	series := h.s.Slow
	if r.URL.Query().Get("view") == "live" {
		series = h.s.Live
	}
	vols, chg := h.s.Volumes(), h.s.Changes()

	order := h.s.Order()
	rows := make([]rowDTO, 0, len(order))
	for _, sym := range order {
		in, ok := h.s.Instrument(sym)
		if !ok {
			continue
		}
		rows = append(rows, rowDTO{
			Instrument:     in,
			QuoteVolume:    vols[sym],
			PriceChangePct: chg[sym],
			Candles:        nonNil(series(sym)),
		})
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *handlers) candles(w http.ResponseWriter, r *http.Request) {
	sym := strings.ToUpper(chi.URLParam(r, "symbol"))
	if _, ok := h.s.Instrument(sym); !ok {
		writeError(w, http.StatusNotFound, "unknown symbol "+sym)
		return
	}
	switch r.URL.Query().Get("view") {
	case "", "slow":
		writeJSON(w, http.StatusOK, nonNil(h.s.Slow(sym)))
	case "live":
		writeJSON(w, http.StatusOK, nonNil(h.s.Live(sym)))
	default:
		writeError(w, http.StatusBadRequest, "view must be live or slow")
	}
}

func (h *handlers) tickers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"volumes": h.s.Volumes(),
		"changes": h.s.Changes(),
	})
}

func (h *handlers) alerts(w http.ResponseWriter, r *http.Request) {
	alerts := h.s.Alerts()
	if alerts == nil {
		alerts = []model.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"unseen": h.s.UnseenAlerts(),
	})
}

func (h *handlers) trigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type   model.AlertType `json:"type"`
		Symbol string          `json:"symbol"`
	}
	if !decode(w, r, &req) {
		return
	}
	if !req.Type.Valid() || req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "type and symbol are required")
		return
	}
	h.apply(w, h.s.Trigger(r.Context(), req.Type, strings.ToUpper(req.Symbol)))
}

func (h *handlers) markSeen(w http.ResponseWriter, r *http.Request) {
	h.apply(w, h.s.MarkAlertsSeen(r.Context()))
}

func (h *handlers) setPriceAlert(w http.ResponseWriter, r *http.Request) {
	sym := strings.ToUpper(chi.URLParam(r, "symbol"))
	if _, ok := h.s.Instrument(sym); !ok {
		writeError(w, http.StatusNotFound, "unknown symbol "+sym)
		return
	}
	var pa model.PriceAlert
	if !decode(w, r, &pa) {
		return
	}
	h.apply(w, h.s.SetPriceAlert(r.Context(), sym, pa))
}

func (h *handlers) clearPriceAlert(w http.ResponseWriter, r *http.Request) {
	sym := strings.ToUpper(chi.URLParam(r, "symbol"))
	h.apply(w, h.s.SetPriceAlert(r.Context(), sym, model.PriceAlert{}))
}

func (h *handlers) selectSymbol(w http.ResponseWriter, r *http.Request) {
	sym := strings.ToUpper(chi.URLParam(r, "symbol"))
	if _, ok := h.s.Instrument(sym); !ok {
		writeError(w, http.StatusNotFound, "unknown symbol "+sym)
		return
	}
	h.s.SelectSymbol(sym)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) config(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toConfigDTO(h.s.Config()))
}

func (h *handlers) setInterval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Interval string `json:"interval"`
	}
	if !decode(w, r, &req) {
		return
	}
	iv, err := model.ParseInterval(req.Interval)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.apply(w, h.s.SetInterval(r.Context(), iv))
}

func (h *handlers) setThrottle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DelayMs int64 `json:"delay_ms"`
	}
	if !decode(w, r, &req) {
		return
	}
	h.apply(w, h.s.SetThrottleDelay(r.Context(), time.Duration(req.DelayMs)*time.Millisecond))
}

func (h *handlers) setSort(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Criterion string `json:"criterion"`
		Direction string `json:"direction"`
	}
	if !decode(w, r, &req) {
		return
	}
	h.apply(w, h.s.SetSort(r.Context(), req.Criterion, req.Direction))
}

func (h *handlers) setCandleLength(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Length int `json:"length"`
	}
	if !decode(w, r, &req) {
		return
	}
	h.apply(w, h.s.SetCandleLength(r.Context(), req.Length))
}

func (h *handlers) setDisplay(w http.ResponseWriter, r *http.Request) {
	var req agg.Display
	if !decode(w, r, &req) {
		return
	}
	h.apply(w, h.s.SetDisplay(r.Context(), req))
}

func (h *handlers) setAnomaly(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ratio  float64 `json:"ratio"`
		Window int     `json:"window"`
	}
	if !decode(w, r, &req) {
		return
	}
	h.apply(w, h.s.SetAnomalyThreshold(r.Context(), req.Ratio, req.Window))
}

// apply maps a setter error to a response; success returns the new config.
func (h *handlers) apply(w http.ResponseWriter, err error) {
	var cfgErr *ranking.ConfigurationError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toConfigDTO(h.s.Config()))
	case errors.As(err, &cfgErr):
		writeError(w, http.StatusBadRequest, cfgErr.Error())
	case errors.Is(err, agg.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		// Setters validate their input before touching the store.
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func nonNil(s []model.Candle) []model.Candle {
	if s == nil {
		return []model.Candle{}
	}
	return s
}
