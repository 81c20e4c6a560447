package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/manifold-ai/manifold-gateway/internal/httputil"
	"github.com/manifold-ai/manifold-gateway/internal/pool"
)

// AdminHandler exposes pool management: entry CRUD, disable/enable,
// health reset, and forced probes.
type AdminHandler struct {
	pool   *pool.Manager
	store  *pool.Store
	prober *pool.Prober
	logger *slog.Logger
}

func NewAdminHandler(p *pool.Manager, store *pool.Store, prober *pool.Prober, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{pool: p, store: store, prober: prober, logger: logger}
}

// Routes returns the admin router, mounted under /manifold/v1/admin.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/pool", h.listEntries)
	r.Post("/pool", h.addEntry)
	r.Get("/pool/{id}", h.getEntry)
	r.Put("/pool/{id}", h.updateEntry)
	r.Delete("/pool/{id}", h.deleteEntry)
	r.Post("/pool/{id}/disable", h.disableEntry)
	r.Post("/pool/{id}/enable", h.enableEntry)
	r.Post("/pool/{id}/reset-health", h.resetHealth)
	r.Post("/pool/probe", h.forceProbe)
	return r
}

func (h *AdminHandler) listEntries(w http.ResponseWriter, r *http.Request) {
	views := h.pool.Snapshot()
	if views == nil {
		views = []pool.EntryView{}
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *AdminHandler) addEntry(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	var cfg pool.EntryConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}
	view, err := h.pool.Add(cfg)
	if err != nil {
		httputil.WriteBadRequestError(w, reqID, err.Error())
		return
	}
	h.persist(reqID)
	writeJSON(w, http.StatusCreated, view)
}

func (h *AdminHandler) getEntry(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	view, err := h.pool.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.writePoolError(w, reqID, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *AdminHandler) updateEntry(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	var cfg pool.EntryConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return
	}
	view, err := h.pool.Update(chi.URLParam(r, "id"), cfg)
	if err != nil {
		h.writePoolError(w, reqID, err)
		return
	}
	h.persist(reqID)
	writeJSON(w, http.StatusOK, view)
}

func (h *AdminHandler) deleteEntry(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	if err := h.pool.Delete(chi.URLParam(r, "id")); err != nil {
		h.writePoolError(w, reqID, err)
		return
	}
	h.persist(reqID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) disableEntry(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *AdminHandler) enableEntry(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

func (h *AdminHandler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	reqID := w.Header().Get("X-Request-ID")
	id := chi.URLParam(r, "id")
	var err error
	if enabled {
		err = h.pool.Enable(id)
	} else {
		err = h.pool.Disable(id)
	}
	if err != nil {
		h.writePoolError(w, reqID, err)
		return
	}
	h.persist(reqID)
	view, _ := h.pool.Get(id)
	writeJSON(w, http.StatusOK, view)
}

func (h *AdminHandler) resetHealth(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get("X-Request-ID")
	id := chi.URLParam(r, "id")
	if err := h.pool.ResetHealth(id); err != nil {
		h.writePoolError(w, reqID, err)
		return
	}
	view, _ := h.pool.Get(id)
	writeJSON(w, http.StatusOK, view)
}

// forceProbe runs a forced sweep synchronously and returns the
// resulting pool state.
func (h *AdminHandler) forceProbe(w http.ResponseWriter, r *http.Request) {
	if h.prober != nil {
		h.prober.Sweep(r.Context(), true)
	}
	h.listEntries(w, r)
}

func (h *AdminHandler) persist(reqID string) {
	if h.store == nil {
		return
	}
	if err := h.store.Save(h.pool.Configs()); err != nil {
		h.logger.Error("failed to persist pool file", "request_id", reqID, "error", err)
	}
}

func (h *AdminHandler) writePoolError(w http.ResponseWriter, reqID string, err error) {
	if errors.Is(err, pool.ErrEntryNotFound) {
		httputil.WriteNotFoundError(w, reqID, err.Error())
		return
	}
	httputil.WriteBadRequestError(w, reqID, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
