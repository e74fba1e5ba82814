package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/stitchandsole/leadsync/internal/export"
	"github.com/stitchandsole/leadsync/internal/ingest"
	"github.com/stitchandsole/leadsync/internal/model"
	"github.com/stitchandsole/leadsync/internal/quote"
	"github.com/stitchandsole/leadsync/internal/store"
	"github.com/stitchandsole/leadsync/pkg/shopify"
)

// exportLimit caps how many leads one spreadsheet download carries.
const exportLimit = 5000

// api bundles the HTTP handlers over the app environment.
type api struct {
	env         *appEnv
	countryCode string
}

func newRouter(a *api) http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", a.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/sync", a.handleSync)
		r.Get("/sync/failures", a.handleSyncFailures)
		r.Route("/leads", func(r chi.Router) {
			r.Get("/", a.handleListLeads)
			r.Get("/export", a.handleExportLeads)
			r.Get("/{id}", a.handleGetLead)
			r.Post("/{id}/dismiss", a.handleDismissLead)
			r.Post("/{id}/quote", a.handleQuoteLead)
		})
		r.Post("/orders/match", a.handleMatchOrder)
		r.Post("/estimations/{id}/draft-order", a.handleDraftOrder)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type syncResponse struct {
	Success bool   `json:"success"`
	Added   int    `json:"added"`
	Skipped int    `json:"skipped"`
	Error   string `json:"error,omitempty"`
}

// handleSync runs one ingestion pass synchronously. ?refresh=1 forces a
// phone index rebuild first. On failure the counts reflect the partial
// pass, so a monitor can still see progress before the abort.
func (a *api) handleSync(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("refresh") == "1"

	report, err := a.env.Pipeline.Run(r.Context(), force)
	if err != nil {
		zap.L().Error("sync pass failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, syncResponse{
			Success: false,
			Added:   report.Added,
			Skipped: report.Skipped,
			Error:   err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, syncResponse{
		Success: true,
		Added:   report.Added,
		Skipped: report.Skipped,
	})
}

func (a *api) handleListLeads(w http.ResponseWriter, r *http.Request) {
	var filter store.LeadFilter

	if s := r.URL.Query().Get("status"); s != "" {
		switch status := model.LeadStatus(s); status {
		case model.LeadStatusNew, model.LeadStatusQuoted, model.LeadStatusDismissed, model.LeadStatusConverted:
			filter.Status = status
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", s))
			return
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	leads, err := a.env.Store.ListLeads(r.Context(), filter)
	if err != nil {
		zap.L().Error("list leads failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list leads failed")
		return
	}
	if leads == nil {
		leads = []model.Lead{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"leads": leads,
		"count": len(leads),
	})
}

func (a *api) handleGetLead(w http.ResponseWriter, r *http.Request) {
	lead, err := a.env.Store.GetLead(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		zap.L().Error("get lead failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get lead failed")
		return
	}
	if lead == nil {
		writeError(w, http.StatusNotFound, "lead not found")
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

func (a *api) handleDismissLead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	lead, err := a.env.Store.GetLead(r.Context(), id)
	if err != nil {
		zap.L().Error("dismiss lead failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "dismiss lead failed")
		return
	}
	if lead == nil {
		writeError(w, http.StatusNotFound, "lead not found")
		return
	}

	if err := a.env.Store.UpdateLeadStatus(r.Context(), id, model.LeadStatusDismissed); err != nil {
		zap.L().Error("dismiss lead failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "dismiss lead failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": string(model.LeadStatusDismissed)})
}

func (a *api) handleQuoteLead(w http.ResponseWriter, r *http.Request) {
	est, err := a.env.Quoter.PrepareEstimation(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, quote.ErrLeadNotFound):
		writeError(w, http.StatusNotFound, "lead not found")
	case errors.Is(err, quote.ErrNoImages):
		writeError(w, http.StatusUnprocessableEntity, "lead has no images to assess")
	case err != nil:
		zap.L().Error("prepare estimation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, est)
	}
}

func (a *api) handleMatchOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone     string `json:"phone"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Phone == "" {
		writeError(w, http.StatusBadRequest, "phone is required")
		return
	}

	idx, err := a.env.Phones.Get(r.Context(), false)
	if err != nil {
		zap.L().Error("phone index unavailable", zap.Error(err))
		writeError(w, http.StatusBadGateway, "phone directory unavailable")
		return
	}

	order := shopify.Order{Customer: &shopify.OrderCustomer{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
	}}

	m := ingest.MatchOrder(idx, order, a.countryCode)
	if m == nil {
		writeJSON(w, http.StatusOK, map[string]any{"matched": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"matched": true, "match": m})
}

func (a *api) handleDraftOrder(w http.ResponseWriter, r *http.Request) {
	draft, err := a.env.Quoter.CreateDraftOrder(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, quote.ErrEstimationNotFound):
		writeError(w, http.StatusNotFound, "estimation not found")
	case errors.Is(err, quote.ErrDraftOrderExists):
		writeError(w, http.StatusConflict, "draft order already created")
	case err != nil:
		zap.L().Error("create draft order failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, draft)
	}
}

func (a *api) handleExportLeads(w http.ResponseWriter, r *http.Request) {
	leads, err := a.env.Store.ListLeads(r.Context(), store.LeadFilter{Limit: exportLimit})
	if err != nil {
		zap.L().Error("export leads failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "export leads failed")
		return
	}

	filename := fmt.Sprintf("leads-%s.xlsx", time.Now().UTC().Format("2006-01-02"))
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	if err := export.WriteLeads(w, leads); err != nil {
		// Headers are already on the wire; all that is left is to log.
		zap.L().Error("write lead sheet failed", zap.Error(err))
	}
}

func (a *api) handleSyncFailures(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	failures, err := a.env.Store.ListSyncFailures(r.Context(), limit)
	if err != nil {
		zap.L().Error("list sync failures failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list sync failures failed")
		return
	}
	if failures == nil {
		failures = []model.SyncFailure{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"failures": failures,
		"count":    len(failures),
	})
}
