package service

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/castlemilk/subtrack/internal/cards"
	"github.com/castlemilk/subtrack/internal/model"
	"github.com/castlemilk/subtrack/internal/store"
)

// Handler exposes the engine over a JSON HTTP API.
type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// Register mounts all routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("GET /v1/users/{userID}/subscriptions", h.listSubscriptions)
	mux.HandleFunc("GET /v1/users/{userID}/charges", h.listCharges)
	mux.HandleFunc("GET /v1/users/{userID}/suggestions", h.listSuggestions)
	mux.HandleFunc("POST /v1/users/{userID}/scans", h.scan)
	mux.HandleFunc("POST /v1/users/{userID}/cards/sync", h.syncCards)
	mux.HandleFunc("POST /v1/users/{userID}/suggestions/{suggestionID}/resolve", h.resolveSuggestion)
	mux.HandleFunc("POST /v1/users/{userID}/sweep", h.sweep)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	includeDeleted := r.URL.Query().Get("includeDeleted") == "true"
	subs, next, err := h.engine.store.ListSubscriptions(r.Context(), userID, includeDeleted,
		pageSize(r), r.URL.Query().Get("pageToken"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subscriptions": orEmpty(subs),
		"nextPageToken": next,
	})
}

func (h *Handler) listCharges(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	service := model.NormalizeService(r.URL.Query().Get("service"))
	charges, next, err := h.engine.store.ListCharges(r.Context(), userID, service,
		pageSize(r), r.URL.Query().Get("pageToken"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"charges":       orEmpty(charges),
		"nextPageToken": next,
	})
}

func (h *Handler) listSuggestions(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	decision := model.SuggestionDecision(r.URL.Query().Get("decision"))
	if decision == "" {
		decision = model.DecisionPending
	}
	suggestions, next, err := h.engine.store.ListSuggestions(r.Context(), userID, decision,
		pageSize(r), r.URL.Query().Get("pageToken"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"suggestions":   orEmpty(suggestions),
		"nextPageToken": next,
	})
}

func (h *Handler) scan(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	mode := ScanIncremental
	if req.Mode == string(ScanFull) {
		mode = ScanFull
	}
	summary, err := h.engine.Scan(r.Context(), userID, mode)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) syncCards(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	var req struct {
		AccessToken string `json:"accessToken"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	if err := h.engine.SyncAndReconcile(r.Context(), userID, req.AccessToken); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reconciled"})
}

func (h *Handler) resolveSuggestion(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	suggestionID := r.PathValue("suggestionID")
	var req struct {
		Verify       bool `json:"verify"`
		IgnoreSender bool `json:"ignoreSender"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err))
		return
	}
	if err := h.engine.ResolveSuggestion(r.Context(), userID, suggestionID, req.Verify, req.IgnoreSender); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (h *Handler) sweep(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userID")
	swept, err := h.engine.Sweep(r.Context(), userID, time.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"swept": swept})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrMailNotLinked), errors.Is(err, cards.ErrNotConfigured):
		status = http.StatusFailedDependency
	}
	if status == http.StatusInternalServerError {
		h.engine.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, errorBody(err))
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func pageSize(r *http.Request) int32 {
	size, err := strconv.Atoi(r.URL.Query().Get("pageSize"))
	if err != nil || size <= 0 {
		return 50
	}
	if size > 200 {
		size = 200
	}
	return int32(size)
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
