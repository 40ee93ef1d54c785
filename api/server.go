// Package api serves the dashboard's JSON API over chi.
package api

import (
	"context"
	"iter"
	"net/http"

	"conveyflow/assignment"
	"conveyflow/auth"
	"conveyflow/directory"
	"conveyflow/party"
	"conveyflow/transaction"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type TokenVerifier interface {
	Verify(token string) (string, error)
}

type RoleResolver interface {
	ResolveRole(ctx context.Context, actorID string) (auth.Role, error)
}

type TransactionService interface {
	Create(ctx context.Context, params transaction.CreateParams) (transaction.Transaction, error)
	ListForAgent(ctx context.Context, filters transaction.Filters) (transaction.ListResult, error)
	Progress(ctx context.Context, id, actorID string, role auth.Role) (transaction.ProgressView, error)
	Authorize(ctx context.Context, id, actorID string, role auth.Role) (transaction.Transaction, error)
	Advance(ctx context.Context, params transaction.AdvanceParams) (transaction.AdvanceResult, error)
}

type DirectoryService interface {
	Get(ctx context.Context, id string) (directory.Entry, error)
	Search(ctx context.Context, q directory.Query) iter.Seq2[directory.Entry, error]
}

type AssignmentService interface {
	Invite(ctx context.Context, params assignment.InviteParams) (assignment.Assignment, error)
	Respond(ctx context.Context, params assignment.RespondParams) (assignment.Assignment, error)
	History(ctx context.Context, transactionID string) ([]assignment.Assignment, error)
}

type PartyService interface {
	Invite(ctx context.Context, params party.InviteParams) (party.Invite, error)
	Lookup(ctx context.Context, token string) (party.InviteDetails, error)
	Accept(ctx context.Context, token, accountID string) (party.Invite, error)
	State(ctx context.Context, transactionID string) (party.State, error)
}

type Server struct {
	verifier     TokenVerifier
	roles        RoleResolver
	transactions TransactionService
	directory    DirectoryService
	assignments  AssignmentService
	parties      PartyService
}

type Deps struct {
	Verifier     TokenVerifier
	Roles        RoleResolver
	Transactions TransactionService
	Directory    DirectoryService
	Assignments  AssignmentService
	Parties      PartyService
}

func NewServer(d Deps) *Server {
	return &Server{
		verifier:     d.Verifier,
		roles:        d.Roles,
		transactions: d.Transactions,
		directory:    d.Directory,
		assignments:  d.Assignments,
		parties:      d.Parties,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/invites/{token}", s.handleLookupInvite)

	r.Group(func(authR chi.Router) {
		authR.Use(s.authMiddleware)

		authR.Get("/api/me", s.handleMe)

		authR.Post("/api/transactions", s.handleCreateTransaction)
		authR.Get("/api/transactions", s.handleListTransactions)
		authR.Get("/api/transactions/{transactionID}", s.handleTransaction)
		authR.Post("/api/transactions/{transactionID}/milestones/{index}/complete", s.handleCompleteMilestone)

		authR.Get("/api/conveyancers", s.handleSearchConveyancers)
		authR.Get("/api/conveyancers/{conveyancerID}", s.handleConveyancer)
		authR.Post("/api/transactions/{transactionID}/conveyancer-invites", s.handleInviteConveyancer)
		authR.Get("/api/transactions/{transactionID}/conveyancer-invites", s.handleAssignmentHistory)
		authR.Post("/api/conveyancer-invites/{assignmentID}/respond", s.handleRespondAssignment)

		authR.Get("/api/transactions/{transactionID}/parties", s.handlePartyState)
		authR.Post("/api/transactions/{transactionID}/parties/{party}/invite", s.handleInviteParty)
		authR.Post("/api/invites/{token}/accept", s.handleAcceptInvite)
	})

	return r
}
