/*
dto.go - Data Transfer Objects for API requests and responses

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

Amounts are rendered as fixed two-decimal strings ("37.66"), never floats.

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/ducc/signup-engine/enrollment"
	"github.com/ducc/signup-engine/ledger"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ENROLLMENT
// =============================================================================

// EnrollRequest is the body of POST /api/events/{id}/enroll.
type EnrollRequest struct {
	Action         string `json:"action"`
	UserID         string `json:"user_id,omitempty"` // defaults to the caller
	ConfirmCascade bool   `json:"confirm_cascade,omitempty"`
	IsPaying       *bool  `json:"is_paying,omitempty"` // same override as ?paying= on eligibility
}

type AttendeeDTO struct {
	UserID       string `json:"user_id"`
	Status       string `json:"status"`
	IsInstructor bool   `json:"is_instructor"`
	JoinedAt     string `json:"joined_at"`
	UpdatedAt    string `json:"updated_at"`
}

type AttendeesDTO struct {
	EventID     string        `json:"event_id"`
	ActiveCount int           `json:"active_count"`
	Attendees   []AttendeeDTO `json:"attendees"`
}

type WaitlistDTO struct {
	EventID string   `json:"event_id"`
	Users   []string `json:"users"`
}

type AuditEntryDTO struct {
	ID      string            `json:"id"`
	At      string            `json:"at"`
	ActorID string            `json:"actor_id"`
	Action  string            `json:"action"`
	UserID  string            `json:"user_id"`
	Detail  map[string]string `json:"detail,omitempty"`
}

// =============================================================================
// LEDGER
// =============================================================================

type BalanceDTO struct {
	UserID  string `json:"user_id"`
	Balance string `json:"balance"`
}

type EntryDTO struct {
	ID          string `json:"id"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
	Kind        string `json:"kind"`
	Reference   string `json:"reference,omitempty"`
	CreatedBy   string `json:"created_by,omitempty"`
	CreatedAt   string `json:"created_at"`
	Balance     string `json:"balance"` // running balance after this entry
}

// ChargeRequest is the body of POST /api/users/{id}/ledger/charges.
// Positive amounts credit the user, negative ones charge them.
type ChargeRequest struct {
	Amount      string `json:"amount"`
	Description string `json:"description"`
}

// FreeSessionsRequest is the body of POST /api/users/{id}/free-sessions.
type FreeSessionsRequest struct {
	Count int `json:"count"`
}

type FreeSessionsDTO struct {
	UserID    string `json:"user_id"`
	Remaining int    `json:"remaining"`
}

type EntryCreatedDTO struct {
	ID      string `json:"id"`
	Balance string `json:"balance"`
}

// =============================================================================
// SCENARIOS / ERRORS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toAttendeeDTOs(attendees []enrollment.Attendee) []AttendeeDTO {
	dtos := make([]AttendeeDTO, len(attendees))
	for i, a := range attendees {
		dtos[i] = AttendeeDTO{
			UserID:       string(a.UserID),
			Status:       string(a.Status),
			IsInstructor: a.IsInstructor,
			JoinedAt:     formatTime(a.JoinedAt),
			UpdatedAt:    formatTime(a.UpdatedAt),
		}
	}
	return dtos
}

func toAuditDTOs(entries []enrollment.AuditEntry) []AuditEntryDTO {
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = AuditEntryDTO{
			ID:      e.ID,
			At:      formatTime(e.At),
			ActorID: string(e.ActorID),
			Action:  string(e.Action),
			UserID:  string(e.UserID),
			Detail:  e.Detail,
		}
	}
	return dtos
}

// toEntryDTOs renders entries oldest first with a running balance.
func toEntryDTOs(entries []ledger.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	running := decimal.Zero
	for i, e := range entries {
		running = running.Add(e.Amount)
		dtos[i] = EntryDTO{
			ID:          string(e.ID),
			Amount:      ledger.FormatAmount(e.Amount),
			Description: e.Description,
			Kind:        string(e.Kind),
			Reference:   e.Reference,
			CreatedBy:   e.CreatedBy,
			CreatedAt:   formatTime(e.CreatedAt),
			Balance:     ledger.FormatAmount(running),
		}
	}
	return dtos
}
