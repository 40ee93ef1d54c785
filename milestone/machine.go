package milestone

import (
	"context"
	"errors"
	"fmt"

	"conveyflow/auth"
)

var (
	// ErrPermissionDenied signals the actor's role does not own the milestone.
	ErrPermissionDenied = errors.New("milestone: permission denied")
	// ErrOutOfOrderTransition signals the target is not the current milestone.
	ErrOutOfOrderTransition = errors.New("milestone: out of order transition")
	// ErrNoFurtherMilestones signals every milestone is already complete.
	ErrNoFurtherMilestones = errors.New("milestone: no further milestones")
	// ErrAssignmentNotAccepted is returned by AcceptedAssignmentGate.
	ErrAssignmentNotAccepted = errors.New("milestone: no accepted conveyancer assignment")
)

// State is the persisted workflow state of one transaction.
type State struct {
	TransactionID string
	CurrentStage  *string
}

// Advancement is the planned result of completing one milestone.
type Advancement struct {
	Milestone Definition
	FromStage *string
	Stage     string
	Progress  int
}

// GateRequest describes an otherwise valid advance for a Gate to vet.
type GateRequest struct {
	TransactionID string
	Milestone     Definition
	Role          auth.Role
}

// Gate is an extra precondition on advancing, checked after ordering and
// role ownership.
type Gate interface {
	Allow(ctx context.Context, req GateRequest) error
}

// LenientGate allows every advance that passed ordering and ownership.
type LenientGate struct{}

func (LenientGate) Allow(context.Context, GateRequest) error { return nil }

// AcceptanceChecker reports whether a transaction's current conveyancer
// assignment has been accepted.
type AcceptanceChecker interface {
	HasAcceptedAssignment(ctx context.Context, transactionID string) (bool, error)
}

// AcceptedAssignmentGate requires an accepted conveyancer assignment before a
// conveyancer-owned milestone can be completed.
type AcceptedAssignmentGate struct {
	Assignments AcceptanceChecker
}

func (g AcceptedAssignmentGate) Allow(ctx context.Context, req GateRequest) error {
	if req.Milestone.Owner != OwnerConveyancer {
		return nil
	}
	ok, err := g.Assignments.HasAcceptedAssignment(ctx, req.TransactionID)
	if err != nil {
		return fmt.Errorf("milestone: check assignment: %w", err)
	}
	if !ok {
		return ErrAssignmentNotAccepted
	}
	return nil
}

// Machine authorizes milestone advances against a catalog.
type Machine struct {
	catalog *Catalog
	unknown UnknownStagePolicy
	gate    Gate
}

// NewMachine builds a Machine over catalog with the lenient gate and the
// not-started reading of unknown stages.
func NewMachine(catalog *Catalog) *Machine {
	if catalog == nil {
		catalog = Default()
	}
	return &Machine{
		catalog: catalog,
		unknown: UnknownStageNotStarted,
		gate:    LenientGate{},
	}
}

func (m *Machine) WithGate(gate Gate) *Machine {
	if gate == nil {
		gate = LenientGate{}
	}
	m.gate = gate
	return m
}

func (m *Machine) WithUnknownStagePolicy(policy UnknownStagePolicy) *Machine {
	m.unknown = policy
	return m
}

func (m *Machine) Catalog() *Catalog { return m.catalog }

// Steps derives per-milestone status for state as seen by role.
func (m *Machine) Steps(state State, role auth.Role) ([]Step, error) {
	return m.catalog.Derive(state.CurrentStage, m.unknown, role)
}

// Plan validates completing the milestone at index and returns the resulting
// stage and progress. It does not mutate anything.
func (m *Machine) Plan(ctx context.Context, state State, index int, role auth.Role) (Advancement, error) {
	total := m.catalog.Len()
	completed, err := m.catalog.CompletedCount(state.CurrentStage, m.unknown)
	if err != nil {
		return Advancement{}, err
	}

	if completed >= total {
		if index >= 0 && index < total {
			return Advancement{}, fmt.Errorf("%w: milestone %d already completed", ErrOutOfOrderTransition, index)
		}
		return Advancement{}, ErrNoFurtherMilestones
	}
	if index != completed {
		return Advancement{}, fmt.Errorf("%w: requested %d, current is %d", ErrOutOfOrderTransition, index, completed)
	}

	def := m.catalog.defs[index]
	if !CanAdvance(def, role) {
		return Advancement{}, fmt.Errorf("%w: %q is owned by %s", ErrPermissionDenied, def.Name, def.Owner)
	}
	if err := m.gate.Allow(ctx, GateRequest{TransactionID: state.TransactionID, Milestone: def, Role: role}); err != nil {
		return Advancement{}, err
	}

	return Advancement{
		Milestone: def,
		FromStage: state.CurrentStage,
		Stage:     def.Name,
		Progress:  Progress(index+1, total),
	}, nil
}
