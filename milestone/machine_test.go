package milestone

import (
	"context"
	"errors"
	"testing"

	"conveyflow/auth"
)

func threeStepCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog(
		Definition{Name: "Instruction Received", Owner: OwnerAgent},
		Definition{Name: "Offer Accepted", Owner: OwnerAgent},
		Definition{Name: "ID Verification", Owner: OwnerConveyancer},
	)
	if err != nil {
		t.Fatalf("build catalog: %v", err)
	}
	return c
}

func strPtr(s string) *string { return &s }

func TestPlan_ConveyancerMilestoneDeniedToAgent(t *testing.T) {
	m := NewMachine(threeStepCatalog(t))
	state := State{TransactionID: "tx-1", CurrentStage: strPtr("Offer Accepted")}

	_, err := m.Plan(context.Background(), state, 2, auth.RoleAgent)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestPlan_SkippingFirstMilestoneIsOutOfOrder(t *testing.T) {
	m := NewMachine(threeStepCatalog(t))

	_, err := m.Plan(context.Background(), State{TransactionID: "tx-1"}, 1, auth.RoleAgent)
	if !errors.Is(err, ErrOutOfOrderTransition) {
		t.Fatalf("expected ErrOutOfOrderTransition, got %v", err)
	}
}

func TestPlan_ReCompletingPastMilestoneIsOutOfOrder(t *testing.T) {
	m := NewMachine(threeStepCatalog(t))
	state := State{CurrentStage: strPtr("Offer Accepted")}

	if _, err := m.Plan(context.Background(), state, 1, auth.RoleAgent); !errors.Is(err, ErrOutOfOrderTransition) {
		t.Fatalf("expected ErrOutOfOrderTransition, got %v", err)
	}
}

func TestPlan_SolicitorCompletesConveyancerMilestone(t *testing.T) {
	m := NewMachine(threeStepCatalog(t))
	state := State{CurrentStage: strPtr("Offer Accepted")}

	adv, err := m.Plan(context.Background(), state, 2, auth.RoleSolicitor)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if adv.Stage != "ID Verification" || adv.Progress != 100 {
		t.Fatalf("unexpected advancement: %+v", adv)
	}
	if adv.FromStage == nil || *adv.FromStage != "Offer Accepted" {
		t.Fatalf("expected from stage to be recorded, got %v", adv.FromStage)
	}
}

func TestPlan_PastTerminalMilestone(t *testing.T) {
	m := NewMachine(threeStepCatalog(t))
	state := State{CurrentStage: strPtr("ID Verification")}

	if _, err := m.Plan(context.Background(), state, 3, auth.RoleConveyancer); !errors.Is(err, ErrNoFurtherMilestones) {
		t.Fatalf("expected ErrNoFurtherMilestones, got %v", err)
	}
	if _, err := m.Plan(context.Background(), state, 2, auth.RoleConveyancer); !errors.Is(err, ErrOutOfOrderTransition) {
		t.Fatalf("expected ErrOutOfOrderTransition when repeating the last milestone, got %v", err)
	}
}

func TestPlan_DefaultCatalogProgress(t *testing.T) {
	m := NewMachine(Default())
	state := State{CurrentStage: strPtr("Offer Accepted")}

	adv, err := m.Plan(context.Background(), state, 2, auth.RoleConveyancer)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if adv.Progress != 30 {
		t.Fatalf("expected 30%% after third of ten milestones, got %d", adv.Progress)
	}
}

func TestPlan_UnknownStagePolicies(t *testing.T) {
	state := State{CurrentStage: strPtr("Chain Broken")}

	lenient := NewMachine(threeStepCatalog(t))
	adv, err := lenient.Plan(context.Background(), state, 0, auth.RoleAgent)
	if err != nil {
		t.Fatalf("lenient plan: %v", err)
	}
	if adv.Stage != "Instruction Received" {
		t.Fatalf("expected unknown stage to read as not started, got %+v", adv)
	}

	strict := NewMachine(threeStepCatalog(t)).WithUnknownStagePolicy(UnknownStageReject)
	if _, err := strict.Plan(context.Background(), state, 0, auth.RoleAgent); !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("expected ErrUnknownStage, got %v", err)
	}
}

func TestAcceptedAssignmentGate(t *testing.T) {
	checker := &stubChecker{}
	m := NewMachine(threeStepCatalog(t)).WithGate(AcceptedAssignmentGate{Assignments: checker})
	state := State{TransactionID: "tx-9", CurrentStage: strPtr("Offer Accepted")}

	if _, err := m.Plan(context.Background(), state, 2, auth.RoleConveyancer); !errors.Is(err, ErrAssignmentNotAccepted) {
		t.Fatalf("expected ErrAssignmentNotAccepted, got %v", err)
	}
	if checker.lastTransaction != "tx-9" {
		t.Fatalf("expected gate to query tx-9, got %q", checker.lastTransaction)
	}

	checker.accepted = true
	if _, err := m.Plan(context.Background(), state, 2, auth.RoleConveyancer); err != nil {
		t.Fatalf("expected advance once accepted, got %v", err)
	}

	// Agent-owned milestones never consult the gate.
	checker.accepted = false
	checker.lastTransaction = ""
	if _, err := m.Plan(context.Background(), State{TransactionID: "tx-9"}, 0, auth.RoleAgent); err != nil {
		t.Fatalf("agent milestone: %v", err)
	}
	if checker.lastTransaction != "" {
		t.Fatal("gate consulted for agent-owned milestone")
	}
}

func TestAcceptedAssignmentGate_CheckerError(t *testing.T) {
	checker := &stubChecker{err: errors.New("db down")}
	m := NewMachine(threeStepCatalog(t)).WithGate(AcceptedAssignmentGate{Assignments: checker})

	_, err := m.Plan(context.Background(), State{CurrentStage: strPtr("Offer Accepted")}, 2, auth.RoleConveyancer)
	if err == nil || errors.Is(err, ErrAssignmentNotAccepted) {
		t.Fatalf("expected wrapped checker error, got %v", err)
	}
}

func TestCanAdvance(t *testing.T) {
	cases := []struct {
		owner Owner
		role  auth.Role
		want  bool
	}{
		{OwnerBoth, auth.RoleBuyer, true},
		{OwnerBoth, auth.RoleAgent, true},
		{OwnerAgent, auth.RoleAgent, true},
		{OwnerAgent, auth.RoleConveyancer, false},
		{OwnerAgent, auth.RoleSeller, false},
		{OwnerConveyancer, auth.RoleConveyancer, true},
		{OwnerConveyancer, auth.RoleSolicitor, true},
		{OwnerConveyancer, auth.RoleAgent, false},
		{OwnerConveyancer, auth.RoleBuyer, false},
		{Owner("nobody"), auth.RoleAgent, false},
	}
	for _, tc := range cases {
		if got := CanAdvance(Definition{Name: "x", Owner: tc.owner}, tc.role); got != tc.want {
			t.Errorf("CanAdvance(%s, %s) = %v, want %v", tc.owner, tc.role, got, tc.want)
		}
	}
}

func TestNewCatalog_Validation(t *testing.T) {
	if _, err := NewCatalog(); err == nil {
		t.Error("expected error for empty catalog")
	}
	if _, err := NewCatalog(Definition{Name: "A", Owner: OwnerAgent}, Definition{Name: "A", Owner: OwnerBoth}); err == nil {
		t.Error("expected error for duplicate names")
	}
	if _, err := NewCatalog(Definition{Name: " ", Owner: OwnerAgent}); err == nil {
		t.Error("expected error for blank name")
	}
	if _, err := NewCatalog(Definition{Name: "A", Owner: "buyer"}); err == nil {
		t.Error("expected error for invalid owner")
	}
}

func TestDerive_CurrentStepEligibility(t *testing.T) {
	c := threeStepCatalog(t)
	steps, err := c.Derive(strPtr("Instruction Received"), UnknownStageNotStarted, auth.RoleConveyancer)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	want := []Status{StatusCompleted, StatusCurrent, StatusLocked}
	for i, s := range steps {
		if s.Status != want[i] {
			t.Fatalf("step %d: status %s, want %s", i, s.Status, want[i])
		}
		if s.Position != i {
			t.Fatalf("step %d: position %d", i, s.Position)
		}
	}
	if steps[1].CanAdvance {
		t.Fatal("conveyancer must not be offered the agent-owned current step")
	}
}

func TestProgress(t *testing.T) {
	cases := []struct{ completed, total, want int }{
		{0, 10, 0},
		{3, 10, 30},
		{1, 3, 33},
		{2, 3, 67},
		{9, 9, 100},
		{1, 0, 0},
	}
	for _, tc := range cases {
		if got := Progress(tc.completed, tc.total); got != tc.want {
			t.Errorf("Progress(%d, %d) = %d, want %d", tc.completed, tc.total, got, tc.want)
		}
	}
}

type stubChecker struct {
	accepted        bool
	err             error
	lastTransaction string
}

func (s *stubChecker) HasAcceptedAssignment(_ context.Context, transactionID string) (bool, error) {
	s.lastTransaction = transactionID
	return s.accepted, s.err
}
