package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"conveyflow/milestone"
	"conveyflow/transaction"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type partyRequest struct {
	Name  string  `json:"name"`
	Email *string `json:"email"`
	Phone *string `json:"phone"`
}

func (p partyRequest) toParty() transaction.Party {
	return transaction.Party{Name: p.Name, Email: p.Email, Phone: p.Phone}
}

type createTransactionRequest struct {
	TransactionType string       `json:"transactionType"`
	AddressLine1    string       `json:"addressLine1"`
	AddressLine2    string       `json:"addressLine2"`
	City            string       `json:"city"`
	Postcode        string       `json:"postcode"`
	PricePence      int64        `json:"pricePence"`
	PropertyType    string       `json:"propertyType"`
	Bedrooms        int          `json:"bedrooms"`
	Seller          partyRequest `json:"seller"`
	Buyer           partyRequest `json:"buyer"`
}

type partyResponse struct {
	Name      string  `json:"name,omitempty"`
	Email     *string `json:"email,omitempty"`
	Phone     *string `json:"phone,omitempty"`
	InvitedAt *string `json:"invitedAt,omitempty"`
}

type transactionResponse struct {
	ID                 string        `json:"id"`
	Reference          string        `json:"reference"`
	AgentID            string        `json:"agentId"`
	TransactionType    string        `json:"transactionType"`
	TypeLabel          string        `json:"typeLabel"`
	Address            string        `json:"address"`
	Postcode           string        `json:"postcode"`
	PricePence         int64         `json:"pricePence"`
	PropertyType       string        `json:"propertyType,omitempty"`
	Bedrooms           int           `json:"bedrooms"`
	CurrentStage       *string       `json:"currentStage"`
	ProgressPercentage int           `json:"progressPercentage"`
	Seller             partyResponse `json:"seller"`
	Buyer              partyResponse `json:"buyer"`
	CreatedAt          string        `json:"createdAt"`
	UpdatedAt          string        `json:"updatedAt"`
}

type stepResponse struct {
	Position    int    `json:"position"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Owner       string `json:"owner"`
	ActionLabel string `json:"actionLabel,omitempty"`
	Status      string `json:"status"`
	CanAdvance  bool   `json:"canAdvance"`
}

type progressResponse struct {
	Transaction transactionResponse `json:"transaction"`
	Milestones  []stepResponse      `json:"milestones"`
	Completed   int                 `json:"completed"`
	Total       int                 `json:"total"`
}

type advanceResponse struct {
	Transaction transactionResponse `json:"transaction"`
	Milestone   string              `json:"milestone"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func toPartyResponse(p transaction.Party) partyResponse {
	return partyResponse{Name: p.Name, Email: p.Email, Phone: p.Phone, InvitedAt: formatTimePtr(p.InvitedAt)}
}

func toTransactionResponse(t transaction.Transaction) transactionResponse {
	return transactionResponse{
		ID:                 t.ID,
		Reference:          t.Reference,
		AgentID:            t.AgentID,
		TransactionType:    string(t.Type),
		TypeLabel:          t.Type.Label(),
		Address:            t.Address(),
		Postcode:           t.Postcode,
		PricePence:         t.PricePence,
		PropertyType:       t.PropertyType,
		Bedrooms:           t.Bedrooms,
		CurrentStage:       t.CurrentStage,
		ProgressPercentage: t.ProgressPercentage,
		Seller:             toPartyResponse(t.Seller),
		Buyer:              toPartyResponse(t.Buyer),
		CreatedAt:          formatTime(t.CreatedAt),
		UpdatedAt:          formatTime(t.UpdatedAt),
	}
}

func toStepResponses(steps []milestone.Step) []stepResponse {
	out := make([]stepResponse, 0, len(steps))
	for _, s := range steps {
		out = append(out, stepResponse{
			Position:    s.Position,
			Name:        s.Name,
			Description: s.Description,
			Owner:       string(s.Owner),
			ActionLabel: s.ActionLabel,
			Status:      string(s.Status),
			CanAdvance:  s.CanAdvance,
		})
	}
	return out
}

// transactionIDParam returns the path id, or false after writing a 404 when
// it is not a uuid.
func transactionIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "transactionID")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusNotFound, "Transaction not found.")
		return "", false
	}
	return id, true
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	actorID, role, _ := actorFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"actorId": actorID, "role": string(role)})
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	actorID, role, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var req createTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	created, err := s.transactions.Create(r.Context(), transaction.CreateParams{
		AgentID:      actorID,
		Role:         role,
		Type:         transaction.Type(req.TransactionType),
		AddressLine1: req.AddressLine1,
		AddressLine2: req.AddressLine2,
		City:         req.City,
		Postcode:     req.Postcode,
		PricePence:   req.PricePence,
		PropertyType: req.PropertyType,
		Bedrooms:     req.Bedrooms,
		Seller:       req.Seller.toParty(),
		Buyer:        req.Buyer.toParty(),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionResponse(created))
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))

	res, err := s.transactions.ListForAgent(r.Context(), transaction.Filters{AgentID: actorID, Page: page, PageSize: pageSize})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	items := make([]transactionResponse, 0, len(res.Items))
	for _, t := range res.Items {
		items = append(items, toTransactionResponse(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": res.Total})
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	actorID, role, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	id, ok := transactionIDParam(w, r)
	if !ok {
		return
	}

	view, err := s.transactions.Progress(r.Context(), id, actorID, role)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progressResponse{
		Transaction: toTransactionResponse(view.Transaction),
		Milestones:  toStepResponses(view.Steps),
		Completed:   view.Completed,
		Total:       view.Total,
	})
}

// participantTransactionID reads the transaction id from the path and
// refuses callers who take no part in that transaction.
func (s *Server) participantTransactionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	actorID, role, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return "", false
	}
	id, ok := transactionIDParam(w, r)
	if !ok {
		return "", false
	}
	if _, err := s.transactions.Authorize(r.Context(), id, actorID, role); err != nil {
		writeServiceError(w, err)
		return "", false
	}
	return id, true
}

func (s *Server) handleCompleteMilestone(w http.ResponseWriter, r *http.Request) {
	actorID, role, ok := actorFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}
	id, ok := transactionIDParam(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "milestone index must be an integer")
		return
	}

	res, err := s.transactions.Advance(r.Context(), transaction.AdvanceParams{
		TransactionID:  id,
		MilestoneIndex: index,
		ActorID:        actorID,
		Role:           role,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, advanceResponse{
		Transaction: toTransactionResponse(res.Transaction),
		Milestone:   res.Milestone.Name,
	})
}
