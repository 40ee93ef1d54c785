package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"conveyflow/assignment"
	"conveyflow/directory"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxSearchResults = 100

type conveyancerResponse struct {
	ID                    string   `json:"id"`
	FirmName              string   `json:"firmName"`
	ContactName           string   `json:"contactName"`
	Email                 string   `json:"email"`
	Phone                 string   `json:"phone,omitempty"`
	Town                  string   `json:"town,omitempty"`
	County                string   `json:"county,omitempty"`
	Postcode              string   `json:"postcode,omitempty"`
	Rating                float64  `json:"rating"`
	ReviewCount           int      `json:"reviewCount"`
	FixedFeePence         *int64   `json:"fixedFeePence,omitempty"`
	Accreditations        []string `json:"accreditations"`
	Active                bool     `json:"active"`
	TransactionsCompleted int      `json:"transactionsCompleted"`
}

func toConveyancerResponse(e directory.Entry) conveyancerResponse {
	accreditations := e.Accreditations
	if accreditations == nil {
		accreditations = []string{}
	}
	return conveyancerResponse{
		ID:                    e.ID,
		FirmName:              e.FirmName,
		ContactName:           e.ContactName,
		Email:                 e.Email,
		Phone:                 e.Phone,
		Town:                  e.Town,
		County:                e.County,
		Postcode:              e.Postcode,
		Rating:                e.Rating,
		ReviewCount:           e.ReviewCount,
		FixedFeePence:         e.FixedFeePence,
		Accreditations:        accreditations,
		Active:                e.Active,
		TransactionsCompleted: e.TransactionsCompleted,
	}
}

type assignmentResponse struct {
	ID            string  `json:"id"`
	TransactionID string  `json:"transactionId"`
	ConveyancerID *string `json:"conveyancerId"`
	FirmName      string  `json:"firmName"`
	ContactName   string  `json:"contactName"`
	Email         string  `json:"email"`
	Phone         string  `json:"phone,omitempty"`
	Status        string  `json:"status"`
	InvitedBy     string  `json:"invitedBy"`
	InvitedAt     string  `json:"invitedAt"`
	RespondedAt   *string `json:"respondedAt"`
}

func toAssignmentResponse(a assignment.Assignment) assignmentResponse {
	return assignmentResponse{
		ID:            a.ID,
		TransactionID: a.TransactionID,
		ConveyancerID: a.ConveyancerID,
		FirmName:      a.Contact.FirmName,
		ContactName:   a.Contact.ContactName,
		Email:         a.Contact.Email,
		Phone:         a.Contact.Phone,
		Status:        string(a.Status),
		InvitedBy:     a.InvitedBy,
		InvitedAt:     formatTime(a.InvitedAt),
		RespondedAt:   formatTimePtr(a.RespondedAt),
	}
}

type inviteConveyancerRequest struct {
	ConveyancerID string `json:"conveyancerId"`
	FirmName      string `json:"firmName"`
	ContactName   string `json:"contactName"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
}

type respondRequest struct {
	Decision string `json:"decision"`
}

// handleSearchConveyancers drains the lazy search up to limit entries.
func (s *Server) handleSearchConveyancers(w http.ResponseWriter, r *http.Request) {
	q := directory.NewQuery(r.URL.Query().Get("q"))
	if r.URL.Query().Get("includeInactive") == "true" {
		q.ActiveOnly = false
	}
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 || limit > maxSearchResults {
		limit = q.PageSize
	}

	items := make([]conveyancerResponse, 0, limit)
	for e, err := range s.directory.Search(r.Context(), q) {
		if err != nil {
			writeServiceError(w, err)
			return
		}
		items = append(items, toConveyancerResponse(e))
		if len(items) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleConveyancer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conveyancerID")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusNotFound, "Conveyancer not found.")
		return
	}
	e, err := s.directory.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConveyancerResponse(e))
}

func (s *Server) handleInviteConveyancer(w http.ResponseWriter, r *http.Request) {
	actorID, role, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	id, ok := transactionIDParam(w, r)
	if !ok {
		return
	}
	var req inviteConveyancerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	a, err := s.assignments.Invite(r.Context(), assignment.InviteParams{
		TransactionID: id,
		ConveyancerID: req.ConveyancerID,
		Contact: assignment.Contact{
			FirmName:    req.FirmName,
			ContactName: req.ContactName,
			Email:       req.Email,
			Phone:       req.Phone,
		},
		InvitedBy: actorID,
		Role:      role,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAssignmentResponse(a))
}

func (s *Server) handleAssignmentHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.participantTransactionID(w, r)
	if !ok {
		return
	}
	history, err := s.assignments.History(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	items := make([]assignmentResponse, 0, len(history))
	for _, a := range history {
		items = append(items, toAssignmentResponse(a))
	}
	var currentID *string
	if cur, ok := assignment.Latest(history); ok {
		currentID = &cur.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items), "currentId": currentID})
}

func (s *Server) handleRespondAssignment(w http.ResponseWriter, r *http.Request) {
	actorID, role, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	id := chi.URLParam(r, "assignmentID")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusNotFound, "Invitation not found.")
		return
	}
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	a, err := s.assignments.Respond(r.Context(), assignment.RespondParams{
		AssignmentID: id,
		Decision:     assignment.Decision(req.Decision),
		ActorID:      actorID,
		Role:         role,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentResponse(a))
}
