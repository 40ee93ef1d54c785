package transaction

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"conveyflow/auth"
	"conveyflow/milestone"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	// ErrInvalid wraps every input validation failure.
	ErrInvalid = errors.New("transaction: invalid input")
	// ErrForbidden is returned when a non-agent tries to open a transaction.
	ErrForbidden = errors.New("transaction: forbidden")
	// ErrNotParticipant is returned to actors with no part in the transaction.
	ErrNotParticipant = fmt.Errorf("%w: not a participant", ErrForbidden)
)

// createAttempts bounds retries when a generated reference collides.
const createAttempts = 3

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, transactionID, eventType, actorID string, payload map[string]any) error
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Service struct {
	pool        TxBeginner
	repo        Repository
	machine     *milestone.Machine
	timeline    TimelineWriter
	outbox      OutboxWriter
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool TxBeginner, repo Repository, machine *milestone.Machine, timeline TimelineWriter, outbox OutboxWriter) *Service {
	if machine == nil {
		machine = milestone.NewMachine(nil)
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		machine:     machine,
		timeline:    timeline,
		outbox:      outbox,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Machine exposes the milestone machine the service advances with.
func (s *Service) Machine() *milestone.Machine { return s.machine }

type CreateParams struct {
	AgentID      string
	Role         auth.Role
	Type         Type
	AddressLine1 string
	AddressLine2 string
	City         string
	Postcode     string
	PricePence   int64
	PropertyType string
	Bedrooms     int
	Seller       Party
	Buyer        Party
}

func (s *Service) Create(ctx context.Context, params CreateParams) (Transaction, error) {
	if params.AgentID == "" {
		return Transaction{}, fmt.Errorf("%w: missing agent id", ErrInvalid)
	}
	if params.Role != auth.RoleAgent {
		return Transaction{}, fmt.Errorf("%w: %s cannot open a transaction", ErrForbidden, params.Role)
	}
	if !params.Type.Valid() {
		return Transaction{}, fmt.Errorf("%w: unknown transaction type %q", ErrInvalid, params.Type)
	}
	if strings.TrimSpace(params.AddressLine1) == "" || strings.TrimSpace(params.Postcode) == "" {
		return Transaction{}, fmt.Errorf("%w: address line 1 and postcode required", ErrInvalid)
	}
	if params.PricePence < 0 || params.Bedrooms < 0 {
		return Transaction{}, fmt.Errorf("%w: price and bedrooms must not be negative", ErrInvalid)
	}

	var err error
	for attempt := 1; attempt <= createAttempts; attempt++ {
		var created Transaction
		created, err = s.create(ctx, params, s.idGenerator())
		if !errors.Is(err, ErrDuplicateReference) {
			return created, err
		}
		log.Printf("transaction: reference collision on attempt %d, retrying with a new id", attempt)
	}
	return Transaction{}, err
}

func (s *Service) create(ctx context.Context, params CreateParams, id string) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("transaction: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Create(ctx, tx, Transaction{
		ID:           id,
		Reference:    reference(id),
		AgentID:      params.AgentID,
		Type:         params.Type,
		AddressLine1: strings.TrimSpace(params.AddressLine1),
		AddressLine2: strings.TrimSpace(params.AddressLine2),
		City:         strings.TrimSpace(params.City),
		Postcode:     strings.ToUpper(strings.TrimSpace(params.Postcode)),
		PricePence:   params.PricePence,
		PropertyType: params.PropertyType,
		Bedrooms:     params.Bedrooms,
		Seller:       Party{Name: params.Seller.Name, Email: params.Seller.Email, Phone: params.Seller.Phone},
		Buyer:        Party{Name: params.Buyer.Name, Email: params.Buyer.Email, Phone: params.Buyer.Phone},
	})
	if err != nil {
		return Transaction{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{
			"reference":        created.Reference,
			"transaction_type": created.Type,
		}
		if err := s.timeline.Append(ctx, tx, created.ID, TimelineTransactionCreated, params.AgentID, payload); err != nil {
			return Transaction{}, fmt.Errorf("transaction: append timeline: %w", err)
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"transaction_id": created.ID,
			"agent_id":       created.AgentID,
		}
		if err := s.outbox.Enqueue(ctx, tx, OutboxTopicCreated, payload); err != nil {
			return Transaction{}, fmt.Errorf("transaction: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("transaction: commit tx: %w", err)
	}
	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (Transaction, error) {
	if id == "" {
		return Transaction{}, fmt.Errorf("%w: missing transaction id", ErrInvalid)
	}
	return s.repo.Get(ctx, id)
}

type ListResult struct {
	Items []Transaction
	Total int
}

func (s *Service) ListForAgent(ctx context.Context, filters Filters) (ListResult, error) {
	if filters.AgentID == "" {
		return ListResult{}, fmt.Errorf("%w: missing agent id", ErrInvalid)
	}
	items, total, err := s.repo.ListForAgent(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// ProgressView is a transaction with its milestones derived for one viewer.
type ProgressView struct {
	Transaction Transaction
	Steps       []milestone.Step
	Completed   int
	Total       int
}

// Authorize loads the transaction for an actor that takes part in it: its
// agent, the current conveyancer, or a buyer or seller who accepted an
// invite. Anyone else gets ErrNotParticipant.
func (s *Service) Authorize(ctx context.Context, id, actorID string, role auth.Role) (Transaction, error) {
	if actorID == "" {
		return Transaction{}, fmt.Errorf("%w: missing actor id", ErrInvalid)
	}
	t, err := s.Get(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	inv, err := s.repo.Involvement(ctx, id, actorID)
	if err != nil {
		return Transaction{}, err
	}
	if !inv.Permits(role) {
		return Transaction{}, fmt.Errorf("%w: %s %s on %s", ErrNotParticipant, role, actorID, id)
	}
	return t, nil
}

func (s *Service) Progress(ctx context.Context, id, actorID string, role auth.Role) (ProgressView, error) {
	t, err := s.Authorize(ctx, id, actorID, role)
	if err != nil {
		return ProgressView{}, err
	}
	steps, err := s.machine.Steps(t.State(), role)
	if err != nil {
		return ProgressView{}, err
	}
	completed := 0
	for _, step := range steps {
		if step.Status == milestone.StatusCompleted {
			completed++
		}
	}
	return ProgressView{Transaction: t, Steps: steps, Completed: completed, Total: len(steps)}, nil
}

type AdvanceParams struct {
	TransactionID  string
	MilestoneIndex int
	ActorID        string
	Role           auth.Role
}

type AdvanceResult struct {
	Transaction Transaction
	Milestone   milestone.Definition
}

// Advance completes the milestone at params.MilestoneIndex for an actor taking
// part in the transaction (see Authorize). The stored stage
// is re-read inside the database transaction and written back with a
// compare-and-set, so of two racing advances exactly one wins and the other
// fails with milestone.ErrOutOfOrderTransition.
func (s *Service) Advance(ctx context.Context, params AdvanceParams) (AdvanceResult, error) {
	if params.TransactionID == "" {
		return AdvanceResult{}, fmt.Errorf("%w: missing transaction id", ErrInvalid)
	}
	if params.ActorID == "" {
		return AdvanceResult{}, fmt.Errorf("%w: missing actor id", ErrInvalid)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return AdvanceResult{}, fmt.Errorf("transaction: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := s.repo.GetTx(ctx, tx, params.TransactionID)
	if err != nil {
		return AdvanceResult{}, err
	}
	inv, err := s.repo.InvolvementTx(ctx, tx, current.ID, params.ActorID)
	if err != nil {
		return AdvanceResult{}, err
	}
	if !inv.Permits(params.Role) {
		return AdvanceResult{}, fmt.Errorf("%w: %s %s on %s", ErrNotParticipant, params.Role, params.ActorID, current.ID)
	}

	plan, err := s.machine.Plan(ctx, current.State(), params.MilestoneIndex, params.Role)
	if err != nil {
		return AdvanceResult{}, err
	}

	updated, err := s.repo.CompareAndSetStage(ctx, tx, StageUpdate{
		TransactionID: current.ID,
		ExpectedStage: current.CurrentStage,
		NextStage:     plan.Stage,
		Progress:      plan.Progress,
	})
	if err != nil {
		if errors.Is(err, ErrStageConflict) {
			return AdvanceResult{}, fmt.Errorf("%w: %s advanced concurrently", milestone.ErrOutOfOrderTransition, current.ID)
		}
		return AdvanceResult{}, err
	}

	payload := map[string]any{
		"transaction_id":  updated.ID,
		"milestone":       plan.Stage,
		"milestone_index": params.MilestoneIndex,
		"progress":        plan.Progress,
		"actor_id":        params.ActorID,
		"actor_role":      params.Role,
		"completed_at":    s.now().UTC().Format(time.RFC3339),
	}
	if plan.FromStage != nil {
		payload["from_stage"] = *plan.FromStage
	}
	if s.timeline != nil {
		if err := s.timeline.Append(ctx, tx, updated.ID, TimelineMilestoneCompleted, params.ActorID, payload); err != nil {
			return AdvanceResult{}, fmt.Errorf("transaction: append timeline: %w", err)
		}
	}
	if s.outbox != nil {
		if err := s.outbox.Enqueue(ctx, tx, OutboxTopicMilestoneCompleted, payload); err != nil {
			return AdvanceResult{}, fmt.Errorf("transaction: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return AdvanceResult{}, fmt.Errorf("transaction: commit tx: %w", err)
	}

	log.Printf("transaction %s: %s completed %q (%d%%)", updated.ID, params.Role, plan.Stage, plan.Progress)
	return AdvanceResult{Transaction: updated, Milestone: plan.Milestone}, nil
}

func reference(id string) string {
	compact := strings.ReplaceAll(id, "-", "")
	if len(compact) > 8 {
		compact = compact[:8]
	}
	return "CF-" + strings.ToUpper(compact)
}
