/*
handlers.go - HTTP API handlers for the expense generation engine

PURPOSE:
  Exposes generation passes, scheduler control and obligation maintenance
  over REST. Handles HTTP request/response and JSON serialization, and
  delegates to the orchestrator, scheduler and store.

ENDPOINTS:
  Generation:
    POST   /api/generation/full              Pending one-time + scheduled pass
    POST   /api/generation/scheduled         Scheduled pass
    POST   /api/generation/one-time          Pending one-time expenses
    POST   /api/generation/obligations/{id}  Generate a single obligation
    (all accept ?owner= to restrict to one owner)

  Scheduler:
    GET    /api/scheduler/status             State, next run, metrics
    GET    /api/scheduler/metrics            Detailed metrics and retry queue
    POST   /api/scheduler/run                Manual main pass
    POST   /api/scheduler/start              Register triggers
    POST   /api/scheduler/stop               Remove triggers

  Catalog:
    POST   /api/obligations                  Create or replace an obligation
    GET    /api/obligations/{id}             Get an obligation
    POST   /api/cards                        Create or replace a card
    POST   /api/references                   Register a reference id
    GET    /api/ledger?owner=                Generated ledger entries

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Obligation or card not found
  - 409: A pass is already running
  - 503: Whole pass aborted (storage unavailable)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/warp/expense-engine/engine"
	"github.com/warp/expense-engine/logging"
	"github.com/warp/expense-engine/scheduler"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Generation is the orchestrator surface used by the handlers.
type Generation interface {
	RunFullPass(ctx context.Context, owner engine.OwnerID) (*engine.Result, error)
	RunScheduledPass(ctx context.Context, owner engine.OwnerID) (*engine.Result, error)
	RunPendingOneTime(ctx context.Context, owner engine.OwnerID) (*engine.Result, error)
	GenerateObligation(ctx context.Context, id engine.ObligationID) (*engine.Result, error)
}

// Control is the scheduler surface used by the handlers.
type Control interface {
	Start() error
	Stop()
	RunManualPass(ctx context.Context) (*engine.Result, error)
	Exclusive(ctx context.Context, fn func(context.Context) (*engine.Result, error)) (*engine.Result, error)
	GetStatus() scheduler.Status
	GetDetailedMetrics() scheduler.DetailedMetrics
}

// Catalog is the store surface used to maintain obligations.
type Catalog interface {
	GetObligation(ctx context.Context, id engine.ObligationID) (*engine.Obligation, error)
	SaveObligation(ctx context.Context, o engine.Obligation) error
	SaveCard(ctx context.Context, c engine.CreditCard) error
	SaveReference(ctx context.Context, ref engine.RefType, id string) error
	ListLedgerEntries(ctx context.Context, owner engine.OwnerID) ([]engine.LedgerEntry, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Generation Generation
	Scheduler  Control
	Catalog    Catalog

	// Ping checks storage for /health. Optional.
	Ping func(ctx context.Context) error

	// Metrics is served on /metrics. Optional.
	Metrics prometheus.Gatherer

	logger logging.Logger
}

// NewHandler creates a handler. Scheduler may be nil when generation is
// only triggered over HTTP.
func NewHandler(gen Generation, sched Control, catalog Catalog, logger logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	return &Handler{
		Generation: gen,
		Scheduler:  sched,
		Catalog:    catalog,
		logger:     logger.WithField(logging.FieldComponent, "api"),
	}
}

// =============================================================================
// GENERATION ENDPOINTS
// =============================================================================

// RunFullPass runs pending one-time expenses then the scheduled pass.
// POST /api/generation/full
func (h *Handler) RunFullPass(w http.ResponseWriter, r *http.Request) {
	h.writePass(w, r, h.Generation.RunFullPass)
}

// RunScheduledPass runs automatic debits, recurring expenses and installments.
// POST /api/generation/scheduled
func (h *Handler) RunScheduledPass(w http.ResponseWriter, r *http.Request) {
	h.writePass(w, r, h.Generation.RunScheduledPass)
}

// RunPendingOneTime generates unprocessed one-time expenses.
// POST /api/generation/one-time
func (h *Handler) RunPendingOneTime(w http.ResponseWriter, r *http.Request) {
	h.writePass(w, r, h.Generation.RunPendingOneTime)
}

func (h *Handler) writePass(w http.ResponseWriter, r *http.Request, run func(context.Context, engine.OwnerID) (*engine.Result, error)) {
	owner := engine.OwnerID(r.URL.Query().Get("owner"))
	pass := func(ctx context.Context) (*engine.Result, error) { return run(ctx, owner) }

	var (
		res *engine.Result
		err error
	)
	if h.Scheduler != nil {
		// Never overlap a cron or manual pass.
		res, err = h.Scheduler.Exclusive(r.Context(), pass)
	} else {
		res, err = pass(r.Context())
	}
	if err != nil {
		h.logger.WithError(err).Error("Generation pass failed", logging.F(logging.FieldOwnerID, owner))
		writeJSON(w, statusFor(err), PassErrorResponse{
			ErrorResponse: ErrorResponse{Error: "Generation pass failed", Details: err.Error()},
			Partial:       res,
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GenerateObligation runs the matching strategy for one obligation.
// POST /api/generation/obligations/{id}
func (h *Handler) GenerateObligation(w http.ResponseWriter, r *http.Request) {
	id := engine.ObligationID(chi.URLParam(r, "id"))
	res, err := h.Generation.GenerateObligation(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), "Failed to generate obligation", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// SCHEDULER ENDPOINTS
// =============================================================================

// SchedulerStatus returns state, next run and rolling metrics.
// GET /api/scheduler/status
func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if !h.requireScheduler(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.GetStatus())
}

// SchedulerMetrics returns the detailed metrics and the retry queue.
// GET /api/scheduler/metrics
func (h *Handler) SchedulerMetrics(w http.ResponseWriter, r *http.Request) {
	if !h.requireScheduler(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.GetDetailedMetrics())
}

// RunScheduler triggers the main pass with scheduler bookkeeping.
// POST /api/scheduler/run
func (h *Handler) RunScheduler(w http.ResponseWriter, r *http.Request) {
	if !h.requireScheduler(w) {
		return
	}
	h.writePass(w, r, func(ctx context.Context, _ engine.OwnerID) (*engine.Result, error) {
		return h.Scheduler.RunManualPass(ctx)
	})
}

// StartScheduler registers the cron triggers.
// POST /api/scheduler/start
func (h *Handler) StartScheduler(w http.ResponseWriter, r *http.Request) {
	if !h.requireScheduler(w) {
		return
	}
	if err := h.Scheduler.Start(); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to start scheduler", err)
		return
	}
	writeJSON(w, http.StatusOK, h.Scheduler.GetStatus())
}

// StopScheduler removes the cron triggers. A running pass finishes.
// POST /api/scheduler/stop
func (h *Handler) StopScheduler(w http.ResponseWriter, r *http.Request) {
	if !h.requireScheduler(w) {
		return
	}
	h.Scheduler.Stop()
	writeJSON(w, http.StatusOK, h.Scheduler.GetStatus())
}

func (h *Handler) requireScheduler(w http.ResponseWriter) bool {
	if h.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "Scheduler not configured", nil)
		return false
	}
	return true
}

// =============================================================================
// CATALOG ENDPOINTS
// =============================================================================

// CreateObligation stores an obligation. One-time expenses are generated
// right away; a failed generation is left for the next pass.
// POST /api/obligations
func (h *Handler) CreateObligation(w http.ResponseWriter, r *http.Request) {
	var req ObligationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	o, err := req.ToObligation()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid obligation", err)
		return
	}

	ctx := r.Context()
	if err := h.Catalog.SaveObligation(ctx, o); err != nil {
		writeError(w, statusFor(err), "Failed to save obligation", err)
		return
	}

	resp := CreateObligationResponse{Obligation: toObligationDTO(o)}
	if o.Kind == engine.KindOneTime {
		res, err := h.Generation.GenerateObligation(ctx, o.ID)
		if err != nil {
			h.logger.WithError(err).Warn("Immediate generation failed",
				logging.F(logging.FieldObligationID, o.ID))
		}
		resp.Generation = res
		if saved, err := h.Catalog.GetObligation(ctx, o.ID); err == nil {
			resp.Obligation = toObligationDTO(*saved)
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetObligation returns one obligation with its generation state.
// GET /api/obligations/{id}
func (h *Handler) GetObligation(w http.ResponseWriter, r *http.Request) {
	id := engine.ObligationID(chi.URLParam(r, "id"))
	o, err := h.Catalog.GetObligation(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), "Obligation not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTO(*o))
}

// CreateCard stores a payment card.
// POST /api/cards
func (h *Handler) CreateCard(w http.ResponseWriter, r *http.Request) {
	var req CardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	card, warnings, err := req.ToCard()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid card", err)
		return
	}
	if err := h.Catalog.SaveCard(r.Context(), card); err != nil {
		writeError(w, statusFor(err), "Failed to save card", err)
		return
	}
	writeJSON(w, http.StatusCreated, CardResponse{CardRequest: req, Warnings: warnings})
}

// CreateReference registers a category, importance or payment method id.
// POST /api/references
func (h *Handler) CreateReference(w http.ResponseWriter, r *http.Request) {
	var req ReferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	ref, err := req.refType()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid reference", err)
		return
	}
	if err := h.Catalog.SaveReference(r.Context(), ref, req.ID); err != nil {
		writeError(w, statusFor(err), "Failed to save reference", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// ListLedger returns generated ledger entries, optionally for one owner.
// GET /api/ledger
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	owner := engine.OwnerID(r.URL.Query().Get("owner"))
	entries, err := h.Catalog.ListLedgerEntries(r.Context(), owner)
	if err != nil {
		writeError(w, statusFor(err), "Failed to list ledger entries", err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerEntryDTOs(entries))
}

// =============================================================================
// HEALTH
// =============================================================================

// Health reports storage reachability.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Storage unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, MessageResponse{Message: "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// statusFor maps engine and scheduler errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, engine.ErrValidation), errors.Is(err, engine.ErrUnknownKind):
		return http.StatusBadRequest
	case engine.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrPassInProgress):
		return http.StatusConflict
	case errors.Is(err, engine.ErrWholePass), errors.Is(err, engine.ErrTransientStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
