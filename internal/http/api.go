package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"blast/internal/blast"
	"blast/internal/model"
	"blast/internal/storage"
	"blast/internal/wa"
)

type API struct {
	Store      *storage.Store
	Manager    *wa.Manager
	Registry   *blast.Registry
	Controller *blast.Controller
	Bus        *blast.Bus
	Log        zerolog.Logger
	Router     *chi.Mux
}

func NewRouter(store *storage.Store, manager *wa.Manager, registry *blast.Registry, controller *blast.Controller, bus *blast.Bus, log zerolog.Logger) *chi.Mux {
	api := &API{
		Store:      store,
		Manager:    manager,
		Registry:   registry,
		Controller: controller,
		Bus:        bus,
		Log:        log.With().Str("component", "http").Logger(),
		Router:     chi.NewRouter(),
	}
	r := api.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))

	api.routes()
	return r
}

func (a *API) routes() {
	a.Router.Get("/api/health", a.handleHealth)

	a.Router.Get("/api/accounts", a.handleListAccounts)
	a.Router.Post("/api/accounts", a.handleCreateAccount)
	a.Router.Put("/api/accounts/{id}", a.handleUpdateAccount)
	a.Router.Delete("/api/accounts/{id}", a.handleDeleteAccount)

	// Pairing & connection lifecycle
	a.Router.Get("/api/accounts/{id}/pair/qr", a.handleAccountPairQR)
	a.Router.Post("/api/accounts/{id}/pair/number", a.handleAccountPairByNumber)
	a.Router.Post("/api/accounts/{id}/connect", a.handleAccountConnect)
	a.Router.Post("/api/accounts/{id}/logout", a.handleAccountLogout)

	// Pacing settings
	a.Router.Get("/api/accounts/{id}/settings", a.handleGetSettings)
	a.Router.Put("/api/accounts/{id}/settings", a.handlePutSettings)

	// Runs
	a.Router.Post("/api/accounts/{id}/runs", a.handleStartRun)
	a.Router.Post("/api/accounts/{id}/runs/stop", a.handleStopRun)
	a.Router.Get("/api/accounts/{id}/runs", a.handleListRuns)
	a.Router.Get("/api/accounts/{id}/status", a.handleStatus)
	a.Router.Get("/api/runs/{runID}/results", a.handleRunResults)

	// Controller events (SSE)
	a.Router.Get("/api/events/stream", a.handleEventsStream)

	// Favicon to avoid 404 noise
	a.Router.Get("/favicon.ico", a.handleFavicon)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().Format(time.RFC3339),
	})
}

type createAccountReq struct {
	Label   string `json:"label"`
	Msisdn  string `json:"msisdn"`
	Enabled *bool  `json:"enabled"`
}

func (a *API) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Label == "" {
		writeErr(w, http.StatusBadRequest, "label required")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	id, err := a.Store.CreateAccount(req.Label, req.Msisdn, enabled)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *API) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := a.Store.ListAccounts()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type updateAccountReq struct {
	Label   string `json:"label"`
	Msisdn  string `json:"msisdn"`
	Enabled bool   `json:"enabled"`
}

func (a *API) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.requireAccount(w, id) {
		return
	}
	var req updateAccountReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Label == "" {
		writeErr(w, http.StatusBadRequest, "label required")
		return
	}
	if err := a.Store.UpdateAccount(id, req.Label, req.Msisdn, req.Enabled); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": true})
}

func (a *API) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.requireAccount(w, id) {
		return
	}
	if err := a.Store.DeleteAccount(id); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.Manager.DropAccount(id)
	a.Registry.Drop(id)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (a *API) handleAccountPairQR(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.requireAccount(w, id) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 90*time.Second)
	defer cancel()
	png, _, err := a.Manager.StartPairing(ctx, id)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	_ = a.Store.UpdateAccountStatus(id, model.StatusPairing, "", nil)
	w.Header().Set("Content-Type", "image/png")
	// Expired QR codes must never come from a cache.
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

type pairByNumberReq struct {
	Msisdn string `json:"msisdn"`
}

func (a *API) handleAccountPairByNumber(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.requireAccount(w, id) {
		return
	}
	var req pairByNumberReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Msisdn == "" {
		writeErr(w, http.StatusBadRequest, "msisdn required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 90*time.Second)
	defer cancel()
	code, err := a.Manager.RequestPairingCode(ctx, id, req.Msisdn)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"code": code})
}

func (a *API) handleAccountConnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.requireAccount(w, id) {
		return
	}
	if err := a.Manager.ConnectIfPaired(id); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": model.StatusOnline})
}

func (a *API) handleAccountLogout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.requireAccount(w, id) {
		return
	}
	if err := a.Manager.Logout(r.Context(), id); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	a.Registry.Drop(id)
	writeJSON(w, http.StatusOK, map[string]any{"status": model.StatusLoggedOut})
}

func (a *API) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.requireAccount(w, id) {
		return
	}
	session, err := a.Registry.Get(id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session.Settings())
}

func (a *API) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.requireAccount(w, id) {
		return
	}
	var settings model.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := a.Registry.UpdateSettings(id, settings); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (a *API) handleStartRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.requireAccount(w, id) {
		return
	}
	var req blast.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	session, err := a.Registry.Get(id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	run, err := a.Controller.Start(session, a.Manager.Transport(id), req)
	if err != nil {
		switch {
		case errors.Is(err, blast.ErrAlreadyRunning):
			writeErr(w, http.StatusConflict, err.Error())
		case errors.Is(err, blast.ErrNotConnected):
			writeErr(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeErr(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": true,
		"run_id":   run.ID,
		"total":    run.Total,
	})
}

func (a *API) handleStopRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.requireAccount(w, id) {
		return
	}
	session, err := a.Registry.Get(id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Level-triggered: the run halts at its next checkpoint, an
	// in-flight send still completes.
	a.Controller.Stop(session)
	writeJSON(w, http.StatusOK, map[string]any{"stopping": true})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.requireAccount(w, id) {
		return
	}
	session, err := a.Registry.Get(id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session.Status(a.Manager.IsConnected(id)))
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !a.requireAccount(w, id) {
		return
	}
	runs, err := a.Store.ListRuns(id, 50)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *API) handleRunResults(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	exists, err := a.Store.RunExists(runID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !exists {
		writeErr(w, http.StatusNotFound, "run not found")
		return
	}
	results, err := a.Store.GetRunResults(runID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (a *API) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := a.Bus.Subscribe(256)
	defer cancel()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	// kick off stream
	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			_, _ = w.Write([]byte(":ping\n\n"))
			flusher.Flush()
		case ev := <-events:
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(b)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

func (a *API) handleFavicon(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/x-icon")
	w.WriteHeader(http.StatusNoContent)
}

// requireAccount writes a 404/500 and returns false when the account does
// not exist.
func (a *API) requireAccount(w http.ResponseWriter, id string) bool {
	exists, err := a.Store.AccountExists(id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return false
	}
	if !exists {
		writeErr(w, http.StatusNotFound, "account not found")
		return false
	}
	return true
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
