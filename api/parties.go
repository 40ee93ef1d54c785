package api

import (
	"net/http"

	"conveyflow/party"

	"github.com/go-chi/chi/v5"
)

// inviteResponse never carries the token; it travels by email only.
type inviteResponse struct {
	ID            string  `json:"id"`
	TransactionID string  `json:"transactionId"`
	Party         string  `json:"party"`
	Email         string  `json:"email"`
	Name          string  `json:"name,omitempty"`
	Status        string  `json:"status"`
	CreatedAt     string  `json:"createdAt"`
	AcceptedAt    *string `json:"acceptedAt"`
}

func toInviteResponse(inv party.Invite) inviteResponse {
	return inviteResponse{
		ID:            inv.ID,
		TransactionID: inv.TransactionID,
		Party:         string(inv.Party),
		Email:         inv.Email,
		Name:          inv.Name,
		Status:        string(inv.Status),
		CreatedAt:     formatTime(inv.CreatedAt),
		AcceptedAt:    formatTimePtr(inv.AcceptedAt),
	}
}

type inviteDetailsResponse struct {
	inviteResponse
	Reference string `json:"reference"`
	Address   string `json:"address"`
}

type sideResponse struct {
	Invited   bool    `json:"invited"`
	InvitedAt *string `json:"invitedAt"`
	Accepted  bool    `json:"accepted"`
}

func toSideResponse(s party.Side) sideResponse {
	return sideResponse{Invited: s.Invited(), InvitedAt: formatTimePtr(s.InvitedAt), Accepted: s.Accepted}
}

func (s *Server) handlePartyState(w http.ResponseWriter, r *http.Request) {
	id, ok := s.participantTransactionID(w, r)
	if !ok {
		return
	}
	state, err := s.parties.State(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactionId": state.TransactionID,
		"seller":        toSideResponse(state.Seller),
		"buyer":         toSideResponse(state.Buyer),
	})
}

func (s *Server) handleInviteParty(w http.ResponseWriter, r *http.Request) {
	actorID, role, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	id, ok := transactionIDParam(w, r)
	if !ok {
		return
	}

	inv, err := s.parties.Invite(r.Context(), party.InviteParams{
		TransactionID: id,
		Party:         party.Kind(chi.URLParam(r, "party")),
		InvitedBy:     actorID,
		Role:          role,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInviteResponse(inv))
}

func (s *Server) handleLookupInvite(w http.ResponseWriter, r *http.Request) {
	details, err := s.parties.Lookup(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inviteDetailsResponse{
		inviteResponse: toInviteResponse(details.Invite),
		Reference:      details.Reference,
		Address:        details.Address,
	})
}

func (s *Server) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	inv, err := s.parties.Accept(r.Context(), chi.URLParam(r, "token"), actorID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toInviteResponse(inv))
}
