package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"conveyflow/assignment"
	"conveyflow/auth"
	"conveyflow/directory"
	"conveyflow/milestone"
	"conveyflow/party"
	"conveyflow/transaction"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorMessages holds the inline wording the dashboard shows for each
// domain rejection.
var errorMessages = []struct {
	target  error
	status  int
	message string
}{
	{milestone.ErrPermissionDenied, http.StatusForbidden, "You do not have permission to complete this milestone."},
	{milestone.ErrOutOfOrderTransition, http.StatusConflict, "Milestones must be completed in order."},
	{milestone.ErrNoFurtherMilestones, http.StatusConflict, "All milestones are already complete."},
	{milestone.ErrAssignmentNotAccepted, http.StatusConflict, "A conveyancer must accept the instruction before this milestone can be completed."},
	{milestone.ErrUnknownStage, http.StatusConflict, "This transaction has an unrecognised stage."},
	{assignment.ErrInvalidTransition, http.StatusConflict, "This invitation has already been answered."},
	{party.ErrAlreadyInvited, http.StatusConflict, "This party has already been invited."},
	{party.ErrInviteNotPending, http.StatusConflict, "This invitation has already been used."},
	{party.ErrMissingContact, http.StatusUnprocessableEntity, "Add an email address before sending an invite."},
	{transaction.ErrNotParticipant, http.StatusForbidden, "You are not part of this transaction."},
	{assignment.ErrNotInvitee, http.StatusForbidden, "This invitation was sent to another firm."},
	{assignment.ErrNotTransactionAgent, http.StatusForbidden, "Only the agent who opened this transaction can do that."},
	{party.ErrNotTransactionAgent, http.StatusForbidden, "Only the agent who opened this transaction can do that."},
	{transaction.ErrForbidden, http.StatusForbidden, ""},
	{assignment.ErrForbidden, http.StatusForbidden, ""},
	{party.ErrForbidden, http.StatusForbidden, ""},
	{auth.ErrProfileNotFound, http.StatusForbidden, "No profile exists for this account."},
	{transaction.ErrInvalid, http.StatusUnprocessableEntity, ""},
	{assignment.ErrInvalid, http.StatusUnprocessableEntity, ""},
	{party.ErrInvalid, http.StatusUnprocessableEntity, ""},
	{transaction.ErrNotFound, http.StatusNotFound, "Transaction not found."},
	{assignment.ErrUnknownTransaction, http.StatusNotFound, "Transaction not found."},
	{directory.ErrNotFound, http.StatusNotFound, "Conveyancer not found."},
	{assignment.ErrNotFound, http.StatusNotFound, "Invitation not found."},
	{party.ErrNotFound, http.StatusNotFound, "Not found."},
}

// writeServiceError maps err onto a status and message. An empty message in
// the table means the error text itself is safe to show.
func writeServiceError(w http.ResponseWriter, err error) {
	for _, m := range errorMessages {
		if errors.Is(err, m.target) {
			msg := m.message
			if msg == "" {
				msg = err.Error()
			}
			writeError(w, m.status, msg)
			return
		}
	}
	log.Printf("api: unexpected error: %v", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
