package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"ticketflow/internal/archive"
	"ticketflow/internal/cache"
	"ticketflow/internal/dispatch"
	"ticketflow/internal/log"
	"ticketflow/internal/service"
	"ticketflow/internal/ticket"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"
)

type Tickets interface {
	Create(ctx context.Context, in service.NewTicket) (ticket.Ticket, error)
	Get(ctx context.Context, id string) (ticket.Ticket, error)
	ListOpen(ctx context.Context) ([]ticket.Ticket, error)
	ListByPriority(ctx context.Context, p ticket.Priority) ([]ticket.Ticket, error)
	Close(ctx context.Context, id, actor string) (service.CloseResult, error)
	Notify(ctx context.Context, id string) error
	SweepAndArchive(ctx context.Context) (service.SweepResult, error)
}

type Cycler interface {
	RunCycle(ctx context.Context) (dispatch.Result, error)
}

type CacheHealth interface {
	State() cache.State
	Ping(ctx context.Context) error
	Reset()
}

type ArchiveReader interface {
	Get(ctx context.Context, id string) (archive.Record, bool, error)
	Ping(ctx context.Context) error
}

type Deps struct {
	Tickets    Tickets
	Dispatcher Cycler
	Cache      CacheHealth
	Archive    ArchiveReader
}

type api struct {
	Deps
	logger *log.Logger
}

func SetupRouter(r *chi.Mux, deps Deps, jwtSecret string, logger *log.Logger) {
	a := &api{Deps: deps, logger: logger.Named("http")}
	r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", a.health)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(jwtSecret, a.logger))

		r.Post("/tickets", a.createTicket)
		r.Get("/tickets/{id}", a.getTicket)
		r.Post("/tickets/{id}/close", a.closeTicket)

		r.Group(func(r chi.Router) {
			r.Use(requireRole(a.logger, RoleTechnician))
			r.Post("/process-tickets", a.processTickets)
			r.Get("/manual-trigger", a.processTickets)
			r.Get("/cache/test", a.cacheTest)
			r.Get("/tickets/open", a.listOpen)
			r.Get("/tickets/priority/{tier}", a.listByPriority)
			r.Post("/tickets/{id}/notify", a.notifyTicket)
			r.Post("/sweep", a.sweep)
			r.Get("/archive/{id}", a.getArchived)
		})
		r.Group(func(r chi.Router) {
			r.Use(requireRole(a.logger, RoleAdmin))
			r.Post("/cache/reset", a.cacheReset)
		})
	})
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok", "cache": a.Cache.State().String()}
	if err := a.Cache.Ping(r.Context()); err != nil {
		resp["redis"] = err.Error()
	} else {
		resp["redis"] = "ok"
	}
	if err := a.Archive.Ping(r.Context()); err != nil {
		a.logger.Error("Archive health check failed", zap.Error(err))
		resp["status"] = "unhealthy"
		resp["archive"] = err.Error()
		a.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp["archive"] = "ok"
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *api) processTickets(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	res, err := a.Dispatcher.RunCycle(r.Context())
	if err != nil {
		a.logger.Error("Processing cycle failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	body := map[string]interface{}{"success": true, "handled": res.Handled}
	if res.Handled {
		body["tier"] = res.Tier
		body["processed"] = res.Processed
		body["alreadyClosed"] = res.AlreadyDone
		body["failed"] = res.Failed
		body["notifyFailed"] = res.NotifyFailed
	} else {
		body["message"] = "No tickets to process"
	}
	a.logger.Info("Processing cycle finished",
		zap.Bool("handled", res.Handled), zap.String("tier", string(res.Tier)), zap.Duration("duration", time.Since(start)))
	a.writeJSON(w, http.StatusOK, body)
}

func (a *api) cacheTest(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{"state": a.Cache.State().String()}
	if err := a.Cache.Ping(r.Context()); err != nil {
		body["redis"] = false
		body["error"] = err.Error()
	} else {
		body["redis"] = true
	}
	a.writeJSON(w, http.StatusOK, body)
}

func (a *api) cacheReset(w http.ResponseWriter, r *http.Request) {
	a.Cache.Reset()
	a.logger.Info("Cache reset to primary", zap.String("by", claimsFrom(r.Context()).Email))
	a.writeJSON(w, http.StatusOK, map[string]string{"state": a.Cache.State().String()})
}

func (a *api) createTicket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Priority    string   `json:"priority"`
		Attachments []string `json:"attachments"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.logger.Warn("Failed to decode ticket request", zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	t, err := a.Tickets.Create(r.Context(), service.NewTicket{
		Title:       req.Title,
		Description: req.Description,
		Submitter:   claimsFrom(r.Context()).Email,
		Priority:    req.Priority,
		Attachments: req.Attachments,
	})
	if err != nil {
		a.fail(w, "create ticket", err)
		return
	}
	a.writeJSON(w, http.StatusCreated, t)
}

// loadVisible fetches a ticket and enforces that non-staff callers only see
// their own. Returns false when a response has already been written.
func (a *api) loadVisible(w http.ResponseWriter, r *http.Request) (ticket.Ticket, bool) {
	id := chi.URLParam(r, "id")
	t, err := a.Tickets.Get(r.Context(), id)
	if err != nil {
		a.fail(w, "get ticket", err)
		return ticket.Ticket{}, false
	}
	c := claimsFrom(r.Context())
	if !c.IsStaff() && t.Submitter != c.Email {
		a.logger.Warn("Ticket access denied", zap.String("ticket_id", id), zap.String("caller", c.Email))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return ticket.Ticket{}, false
	}
	return t, true
}

func (a *api) getTicket(w http.ResponseWriter, r *http.Request) {
	if t, ok := a.loadVisible(w, r); ok {
		a.writeJSON(w, http.StatusOK, t)
	}
}

func (a *api) closeTicket(w http.ResponseWriter, r *http.Request) {
	t, ok := a.loadVisible(w, r)
	if !ok {
		return
	}
	res, err := a.Tickets.Close(r.Context(), t.ID, claimsFrom(r.Context()).Email)
	if err != nil && res.Ticket.ID == "" {
		a.fail(w, "close ticket", err)
		return
	}
	body := map[string]interface{}{
		"success":  true,
		"ticket":   res.Ticket,
		"archived": res.Archived,
		"acked":    res.Acked,
	}
	if err != nil {
		body["warning"] = err.Error()
	}
	a.writeJSON(w, http.StatusOK, body)
}

func (a *api) listOpen(w http.ResponseWriter, r *http.Request) {
	tickets, err := a.Tickets.ListOpen(r.Context())
	if err != nil {
		a.fail(w, "list open tickets", err)
		return
	}
	a.writeJSON(w, http.StatusOK, nonNil(tickets))
}

func (a *api) listByPriority(w http.ResponseWriter, r *http.Request) {
	tier, err := ticket.ParsePriority(chi.URLParam(r, "tier"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tickets, err := a.Tickets.ListByPriority(r.Context(), tier)
	if err != nil {
		a.fail(w, "list tickets by priority", err)
		return
	}
	a.writeJSON(w, http.StatusOK, nonNil(tickets))
}

func (a *api) notifyTicket(w http.ResponseWriter, r *http.Request) {
	if err := a.Tickets.Notify(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, "notify ticket", err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *api) sweep(w http.ResponseWriter, r *http.Request) {
	res, err := a.Tickets.SweepAndArchive(r.Context())
	body := map[string]interface{}{"removed": res.Removed, "archived": res.Archived}
	if err != nil {
		a.logger.Error("Sweep finished with errors", zap.Error(err))
		body["error"] = err.Error()
		a.writeJSON(w, http.StatusInternalServerError, body)
		return
	}
	a.writeJSON(w, http.StatusOK, body)
}

func (a *api) getArchived(w http.ResponseWriter, r *http.Request) {
	rec, ok, err := a.Archive.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, "get archived ticket", err)
		return
	}
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{"ticket": rec.Ticket, "archivedAt": rec.ArchivedAt})
}

func (a *api) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, ticket.ErrInvalidPriority):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		a.logger.Error("Request failed", zap.String("op", op), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (a *api) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func nonNil(ts []ticket.Ticket) []ticket.Ticket {
	if ts == nil {
		return []ticket.Ticket{}
	}
	return ts
}
