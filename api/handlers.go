/*
handlers.go - HTTP API handlers for the enrollment engine

PURPOSE:
  Exposes enrollment, ledger and membership operations via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to the
  domain services. No business rule lives here.

ENDPOINTS:
  Events:
    GET    /api/events/{id}/eligibility      Decision for the caller (?paying=true)
    POST   /api/events/{id}/enroll           attend / leave / join_waitlist / leave_waitlist
    GET    /api/events/{id}/leave-preview    Would leaving trigger a cascade?
    GET    /api/events/{id}/waitlist/summary Count and caller's position
    GET    /api/events/{id}/waitlist         Ordered list (manage_events)
    GET    /api/events/{id}/attendees        Attendance history
    GET    /api/events/{id}/audit            Audit trail (manage_events)

  Users:
    GET    /api/users/{id}/balance           Derived balance (self or manage_accounts)
    GET    /api/users/{id}/ledger            Entries with running balance
    POST   /api/users/{id}/ledger/charges    Charge or credit (manage_accounts)
    POST   /api/users/{id}/membership        Join the club (self)
    POST   /api/users/{id}/free-sessions     Grant free sessions (manage_accounts)
    POST   /api/users/{id}/free-sessions/consume  Record one used session (manage_accounts)
    DELETE /api/users/{id}                   Delete account unless in debt (?confirm_cascade=true)

  Scenarios:
    GET    /api/scenarios                    List demo scenarios
    POST   /api/scenarios/load               Load a demo scenario (manage_events)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid input, unknown action
  - 401: Missing or invalid token
  - 403: Missing permission, acting for someone else
  - 404: Unknown user or event
  - 409: Eligibility blocks, cascade confirmation, membership conflicts
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/ducc/signup-engine/enrollment"
	"github.com/ducc/signup-engine/ledger"
	"github.com/ducc/signup-engine/membership"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is the store the handlers run on. Reset is used by scenarios.
type Backend interface {
	enrollment.Store
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store      Backend
	Enrollment *enrollment.Service
	Members    *membership.Service
	Ledger     ledger.Ledger
	Logger     *zap.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the domain services over store.
func NewHandler(store Backend, settings enrollment.Settings, logger *zap.Logger, opts ...enrollment.Option) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append([]enrollment.Option{
		enrollment.WithDefaults(settings),
		enrollment.WithLogger(logger.Named("enrollment")),
	}, opts...)
	return &Handler{
		Store:      store,
		Enrollment: enrollment.NewService(store, opts...),
		Members:    membership.NewService(store, settings, logger.Named("membership")),
		Ledger:     ledger.NewLedger(store),
		Logger:     logger,
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// GetEligibility evaluates the caller (or ?user_id= for event managers).
// GET /api/events/{id}/eligibility
func (h *Handler) GetEligibility(w http.ResponseWriter, r *http.Request) {
	userID, ok := actingUser(w, r, r.URL.Query().Get("user_id"))
	if !ok {
		return
	}

	var paying *bool
	if raw := r.URL.Query().Get("paying"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid paying flag", err)
			return
		}
		paying = &v
	}

	decision, err := h.Enrollment.Eligibility(r.Context(), eventID(r), userID, paying)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

// Enroll performs one enrollment action.
// POST /api/events/{id}/enroll
func (h *Handler) Enroll(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	action, err := enrollment.ParseAction(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unknown action", err)
		return
	}
	userID, ok := actingUser(w, r, req.UserID)
	if !ok {
		return
	}
	caller, _ := PrincipalFrom(r.Context())

	result, err := h.Enrollment.Perform(r.Context(), enrollment.Request{
		Action:         action,
		EventID:        eventID(r),
		UserID:         userID,
		ActorID:        caller.UserID,
		ConfirmCascade: req.ConfirmCascade,
		IsPaying:       req.IsPaying,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// LeavePreview reports whether leaving now would trigger a cascade.
// GET /api/events/{id}/leave-preview
func (h *Handler) LeavePreview(w http.ResponseWriter, r *http.Request) {
	userID, ok := actingUser(w, r, r.URL.Query().Get("user_id"))
	if !ok {
		return
	}
	check, err := h.Enrollment.LeavePreview(r.Context(), eventID(r), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

// GetWaitlistSummary returns the count and the caller's position.
// GET /api/events/{id}/waitlist/summary
func (h *Handler) GetWaitlistSummary(w http.ResponseWriter, r *http.Request) {
	caller, _ := PrincipalFrom(r.Context())
	summary, err := h.Enrollment.WaitlistSummary(r.Context(), eventID(r), caller.UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ListWaitlist returns the ordered waiting list.
// GET /api/events/{id}/waitlist
func (h *Handler) ListWaitlist(w http.ResponseWriter, r *http.Request) {
	id := eventID(r)
	users, err := h.Enrollment.Waitlist(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dto := WaitlistDTO{EventID: string(id), Users: make([]string, len(users))}
	for i, u := range users {
		dto.Users[i] = string(u)
	}
	writeJSON(w, http.StatusOK, dto)
}

// ListAttendees returns every attendance row, "left" ones included.
// GET /api/events/{id}/attendees
func (h *Handler) ListAttendees(w http.ResponseWriter, r *http.Request) {
	id := eventID(r)
	attendees, err := h.Enrollment.Attendees(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AttendeesDTO{
		EventID:     string(id),
		ActiveCount: enrollment.ActiveCount(attendees),
		Attendees:   toAttendeeDTOs(attendees),
	})
}

// GetAuditTrail lists the committed transitions of the event.
// GET /api/events/{id}/audit
func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Enrollment.AuditTrail(r.Context(), eventID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTOs(entries))
}

// =============================================================================
// USER / LEDGER HANDLERS
// =============================================================================

// GetBalance returns the derived balance.
// GET /api/users/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := accountOwner(w, r)
	if !ok {
		return
	}
	balance, err := h.Ledger.Balance(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{UserID: string(userID), Balance: ledger.FormatAmount(balance)})
}

// GetLedger returns the entries, oldest first, with a running balance.
// GET /api/users/{id}/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := accountOwner(w, r)
	if !ok {
		return
	}
	entries, err := h.Ledger.Entries(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// CreateCharge appends a charge (negative) or credit (positive).
// POST /api/users/{id}/ledger/charges
func (h *Handler) CreateCharge(w http.ResponseWriter, r *http.Request) {
	userID := enrollment.UserID(chi.URLParam(r, "id"))

	var req ChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}
	if req.Description == "" {
		writeError(w, http.StatusBadRequest, "Description is required", nil)
		return
	}

	ctx := r.Context()
	id, err := h.Ledger.AppendEntry(ctx, userID, amount, req.Description)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	balance, err := h.Ledger.Balance(ctx, userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, EntryCreatedDTO{ID: string(id), Balance: ledger.FormatAmount(balance)})
}

// JoinMembership makes the caller a member and charges the fee.
// POST /api/users/{id}/membership
func (h *Handler) JoinMembership(w http.ResponseWriter, r *http.Request) {
	userID := enrollment.UserID(chi.URLParam(r, "id"))
	caller, _ := PrincipalFrom(r.Context())
	if caller.UserID != userID {
		writeError(w, http.StatusForbidden, "Only the user can join", nil)
		return
	}

	ctx := r.Context()
	id, err := h.Members.Join(ctx, userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	balance, err := h.Ledger.Balance(ctx, userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, EntryCreatedDTO{ID: string(id), Balance: ledger.FormatAmount(balance)})
}

// DeleteAccount removes the user unless their balance is negative. The
// user leaves every upcoming event first; removing the last supervisor of
// an event needs ?confirm_cascade=true.
// DELETE /api/users/{id}
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := accountOwner(w, r)
	if !ok {
		return
	}
	var confirm bool
	if raw := r.URL.Query().Get("confirm_cascade"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid confirm_cascade flag", err)
			return
		}
		confirm = v
	}
	caller, _ := PrincipalFrom(r.Context())

	_, err := h.Members.DeleteAccount(r.Context(), membership.DeleteRequest{
		UserID:         userID,
		ActorID:        caller.UserID,
		ConfirmCascade: confirm,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GrantFreeSessions tops up the free session quota.
// POST /api/users/{id}/free-sessions
func (h *Handler) GrantFreeSessions(w http.ResponseWriter, r *http.Request) {
	userID := enrollment.UserID(chi.URLParam(r, "id"))

	var req FreeSessionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.Members.GrantFreeSessions(r.Context(), userID, req.Count); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "granted": req.Count})
}

// ConsumeFreeSession records that a non-member used one free session.
// POST /api/users/{id}/free-sessions/consume
func (h *Handler) ConsumeFreeSession(w http.ResponseWriter, r *http.Request) {
	userID := enrollment.UserID(chi.URLParam(r, "id"))
	remaining, err := h.Members.ConsumeFreeSession(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FreeSessionsDTO{UserID: string(userID), Remaining: remaining})
}

// =============================================================================
// HELPERS
// =============================================================================

func eventID(r *http.Request) enrollment.EventID {
	return enrollment.EventID(chi.URLParam(r, "id"))
}

// actingUser resolves the user an event operation applies to: the caller,
// or requested when the caller manages events.
func actingUser(w http.ResponseWriter, r *http.Request, requested string) (enrollment.UserID, bool) {
	caller, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated", nil)
		return "", false
	}
	if requested == "" {
		return caller.UserID, true
	}
	userID := enrollment.UserID(requested)
	if !caller.CanActFor(userID, PermManageEvents) {
		writeError(w, http.StatusForbidden, "Cannot act for another user", nil)
		return "", false
	}
	return userID, true
}

// accountOwner returns the {id} path user if the caller may read it.
func accountOwner(w http.ResponseWriter, r *http.Request) (enrollment.UserID, bool) {
	userID := enrollment.UserID(chi.URLParam(r, "id"))
	caller, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated", nil)
		return "", false
	}
	if !caller.CanActFor(userID, PermManageAccounts) {
		writeError(w, http.StatusForbidden, "Cannot read another user's account", nil)
		return "", false
	}
	return userID, true
}

// writeServiceError maps domain errors to HTTP responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		notEligible *enrollment.NotEligibleError
		cascade     *enrollment.CascadeRequiredError
		negative    *ledger.NegativeBalanceError
	)
	switch {
	case errors.As(err, &notEligible):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "Not eligible",
			Code:    "not_eligible",
			Details: map[string]any{"reasons": notEligible.Reasons},
		})
	case errors.As(err, &cascade):
		affected := make([]string, len(cascade.Affected))
		for i, u := range cascade.Affected {
			affected[i] = string(u)
		}
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "Leaving would remove every remaining attendee",
			Code:    "cascade_required",
			Details: map[string]any{"cascade_required": true, "affected": affected},
		})
	case errors.As(err, &negative):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "Account has a negative balance",
			Code:    "negative_balance",
			Details: map[string]any{"balance": ledger.FormatAmount(negative.Balance)},
		})
	case enrollment.IsNotFound(err), ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, enrollment.ErrUnknownAction), errors.Is(err, membership.ErrInvalidGrant):
		writeError(w, http.StatusBadRequest, "Invalid request", err)
	case enrollment.IsClientError(err),
		errors.Is(err, membership.ErrAlreadyMember),
		errors.Is(err, membership.ErrNoFreeSessions):
		writeError(w, http.StatusConflict, "Request conflicts with current state", err)
	default:
		h.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
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
