/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with users,
	events, attendance and ledger entries demonstrating specific rules.

AVAILABLE SCENARIOS:

	capacity-one:       One-seat event, coach attends, member must wait
	supervisor-cascade: Coach plus three members; coach leaving empties it
	debt-block:         Member at -25.00 against a -20.00 threshold
	legal-form:         Member who has not filled the legal form

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create users and events in one transaction
 3. Drive sign-ups through the enrollment service, so audit and ledger
    entries are real
 4. Seed ledger entries where the scenario needs a balance

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "supervisor-cascade"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler wiring
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ducc/signup-engine/enrollment"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "capacity-one",
		Name:        "Capacity One",
		Description: "One-seat pool session: the coach takes the seat, a member can only join the waiting list",
	},
	{
		ID:          "supervisor-cascade",
		Name:        "Supervisor Cascade",
		Description: "Sole coach with three members; the coach leaving removes everyone",
	},
	{
		ID:          "debt-block",
		Name:        "Debt Block",
		Description: "Member with a -25.00 balance is blocked by the -20.00 debt threshold",
	},
	{
		ID:          "legal-form",
		Name:        "Legal Form",
		Description: "Member who has not filled the legal and medical form",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		if errors.Is(err, errUnknownScenario) {
			writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

var errUnknownScenario = errors.New("unknown scenario")

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	var load func(context.Context) error
	switch id {
	case "capacity-one":
		load = h.loadCapacityOneScenario
	case "supervisor-cascade":
		load = h.loadSupervisorCascadeScenario
	case "debt-block":
		load = h.loadDebtBlockScenario
	case "legal-form":
		load = h.loadLegalFormScenario
	default:
		return errUnknownScenario
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("reset database: %w", err)
	}
	h.currentScenario = ""
	if err := load(ctx); err != nil {
		return err
	}
	h.currentScenario = id
	h.Logger.Info("scenario loaded", zap.String("scenario", id))
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadCapacityOneScenario(ctx context.Context) error {
	event := upcomingEvent("pool-session", "Pool Session", 1)
	if err := h.seed(ctx, []enrollment.Event{event},
		coach("coach-anna", "Anna Coach"),
		member("member-ben", "Ben Member"),
	); err != nil {
		return err
	}
	return h.attend(ctx, event.ID, "coach-anna")
}

func (h *Handler) loadSupervisorCascadeScenario(ctx context.Context) error {
	event := upcomingEvent("river-trip", "River Trip", 8)
	event.UpfrontCost = decimal.RequireFromString("12.50")
	if err := h.seed(ctx, []enrollment.Event{event},
		coach("coach-anna", "Anna Coach"),
		member("member-ben", "Ben Member"),
		member("member-cleo", "Cleo Member"),
		member("member-dan", "Dan Member"),
	); err != nil {
		return err
	}
	for _, u := range []enrollment.UserID{"coach-anna", "member-ben", "member-cleo", "member-dan"} {
		if err := h.attend(ctx, event.ID, u); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadDebtBlockScenario(ctx context.Context) error {
	event := upcomingEvent("pool-session", "Pool Session", 10)
	if err := h.seed(ctx, []enrollment.Event{event},
		coach("coach-anna", "Anna Coach"),
		member("member-ben", "Ben Member"),
	); err != nil {
		return err
	}
	if err := h.attend(ctx, event.ID, "coach-anna"); err != nil {
		return err
	}
	_, err := h.Ledger.AppendEntry(ctx, "member-ben", decimal.RequireFromString("-25.00"), "Unpaid equipment hire")
	return err
}

func (h *Handler) loadLegalFormScenario(ctx context.Context) error {
	event := upcomingEvent("pool-session", "Pool Session", 10)
	newcomer := member("member-eve", "Eve Newcomer")
	newcomer.FilledLegalInfo = false
	if err := h.seed(ctx, []enrollment.Event{event},
		coach("coach-anna", "Anna Coach"),
		newcomer,
	); err != nil {
		return err
	}
	return h.attend(ctx, event.ID, "coach-anna")
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) seed(ctx context.Context, events []enrollment.Event, profiles ...enrollment.Profile) error {
	return h.Store.WithTx(ctx, func(tx enrollment.Tx) error {
		for _, p := range profiles {
			if err := tx.SaveProfile(ctx, p); err != nil {
				return err
			}
		}
		for _, e := range events {
			if err := tx.SaveEvent(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (h *Handler) attend(ctx context.Context, eventID enrollment.EventID, userID enrollment.UserID) error {
	res, err := h.Enrollment.Perform(ctx, enrollment.Request{
		Action:  enrollment.ActionAttend,
		EventID: eventID,
		UserID:  userID,
	})
	if err != nil {
		return fmt.Errorf("%s attends %s: %w", userID, eventID, err)
	}
	if !res.Changed {
		return fmt.Errorf("%s could not attend %s", userID, eventID)
	}
	return nil
}

// upcomingEvent starts a week from now, so scenarios stay open for sign-up.
func upcomingEvent(id enrollment.EventID, title string, maxAttendees int) enrollment.Event {
	start := time.Now().UTC().Add(7 * 24 * time.Hour).Truncate(time.Hour)
	return enrollment.Event{
		ID:           id,
		Title:        title,
		Start:        start,
		End:          start.Add(2 * time.Hour),
		Location:     "Club house",
		MaxAttendees: maxAttendees,
	}
}

func coach(id enrollment.UserID, name string) enrollment.Profile {
	p := member(id, name)
	p.IsInstructor = true
	return p
}

func member(id enrollment.UserID, name string) enrollment.Profile {
	return enrollment.Profile{
		UserID:          id,
		Name:            name,
		IsMember:        true,
		FilledLegalInfo: true,
	}
}
