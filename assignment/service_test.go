package assignment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"conveyflow/auth"
	"conveyflow/directory"
	"conveyflow/notify"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func newTestService() (*Service, *memRepo, *recordingNotifier) {
	repo := newMemRepo()
	dir := fakeDirectory{
		"conv-1": {ID: "conv-1", FirmName: "Harbour Law", ContactName: "Priya Shah", Email: "Priya@Harbour.example", Phone: "0117 000 0000", Active: true},
		"conv-2": {ID: "conv-2", FirmName: "Moss & Reed", ContactName: "Tom Reed", Email: "tom@moss.example", Active: true},
		"conv-3": {ID: "conv-3", FirmName: "Retired LLP", Email: "old@retired.example", Active: false},
	}
	profiles := fakeProfiles{
		"priya":    {ID: "priya", Email: "PRIYA@harbour.example", Role: auth.RoleSolicitor},
		"tom":      {ID: "tom", Email: "tom@moss.example", Role: auth.RoleConveyancer},
		"local":    {ID: "local", Email: "help@local.example", Role: auth.RoleConveyancer},
		"stranger": {ID: "stranger", Email: "someone@elsewhere.example", Role: auth.RoleConveyancer},
	}
	n := &recordingNotifier{}
	svc := NewService(&fakePool{}, repo, dir, profiles, nil, nil).WithNotifier(n)
	return svc, repo, n
}

func invite(t *testing.T, svc *Service, conveyancerID string) Assignment {
	t.Helper()
	a, err := svc.Invite(context.Background(), InviteParams{TransactionID: "tx-1", ConveyancerID: conveyancerID, InvitedBy: "agent-1", Role: auth.RoleAgent})
	if err != nil {
		t.Fatalf("invite %s: %v", conveyancerID, err)
	}
	return a
}

func TestInvite_SnapshotsDirectoryEntry(t *testing.T) {
	svc, _, n := newTestService()

	a := invite(t, svc, "conv-1")
	if a.Status != StatusPending {
		t.Fatalf("expected pending, got %s", a.Status)
	}
	if a.ConveyancerID == nil || *a.ConveyancerID != "conv-1" {
		t.Fatalf("expected directory reference, got %v", a.ConveyancerID)
	}
	if a.Contact.FirmName != "Harbour Law" || a.Contact.Email != "priya@harbour.example" {
		t.Fatalf("unexpected snapshot %+v", a.Contact)
	}
	if len(n.sent) != 1 || n.sent[0].Kind != notify.KindConveyancerInvited || n.sent[0].Email != "priya@harbour.example" {
		t.Fatalf("expected invite notification, got %+v", n.sent)
	}

	cur, err := svc.Current(context.Background(), "tx-1")
	if err != nil || cur.ID != a.ID {
		t.Fatalf("expected new invite to be current, got %+v (%v)", cur, err)
	}
}

func TestInvite_AdHocContact(t *testing.T) {
	svc, _, _ := newTestService()

	a, err := svc.Invite(context.Background(), InviteParams{
		TransactionID: "tx-1",
		Contact:       Contact{FirmName: "Local Legal", Email: " help@local.example "},
		InvitedBy:     "agent-1",
		Role:          auth.RoleAgent,
	})
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if a.ConveyancerID != nil || a.Contact.Email != "help@local.example" {
		t.Fatalf("unexpected ad-hoc assignment %+v", a)
	}

	_, err = svc.Invite(context.Background(), InviteParams{TransactionID: "tx-1", Contact: Contact{FirmName: "No Email"}, InvitedBy: "agent-1", Role: auth.RoleAgent})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid without email, got %v", err)
	}
}

func TestInvite_Rejections(t *testing.T) {
	svc, repo, n := newTestService()
	ctx := context.Background()

	if _, err := svc.Invite(ctx, InviteParams{TransactionID: "tx-1", ConveyancerID: "conv-1", InvitedBy: "c", Role: auth.RoleConveyancer}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.Invite(ctx, InviteParams{TransactionID: "tx-1", ConveyancerID: "conv-3", InvitedBy: "a", Role: auth.RoleAgent}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for inactive entry, got %v", err)
	}
	if _, err := svc.Invite(ctx, InviteParams{TransactionID: "tx-1", ConveyancerID: "conv-9", InvitedBy: "a", Role: auth.RoleAgent}); !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("expected directory.ErrNotFound, got %v", err)
	}
	if len(repo.rows) != 0 || len(n.sent) != 0 {
		t.Fatal("rejected invites must not write or notify")
	}
}

func TestInvite_SupersedesPrevious(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	first := invite(t, svc, "conv-1")
	second := invite(t, svc, "conv-2")

	cur, err := svc.Current(ctx, "tx-1")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if cur.ID != second.ID {
		t.Fatalf("expected latest invite current, got %s", cur.ID)
	}
	history, err := svc.History(ctx, "tx-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].ID != second.ID || history[1].ID != first.ID {
		t.Fatalf("expected both invites newest first, got %+v", history)
	}
}

func TestRespond_OnlyFromPending(t *testing.T) {
	svc, _, n := newTestService()
	ctx := context.Background()
	a := invite(t, svc, "conv-1")

	accepted, err := svc.Respond(ctx, RespondParams{AssignmentID: a.ID, Decision: DecisionAccept, ActorID: "priya", Role: auth.RoleSolicitor})
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if accepted.Status != StatusAccepted || accepted.RespondedAt == nil {
		t.Fatalf("unexpected response %+v", accepted)
	}
	if n.sent[len(n.sent)-1].Kind != notify.KindConveyancerResponded {
		t.Fatal("expected response notification")
	}

	for _, d := range []Decision{DecisionAccept, DecisionDecline} {
		if _, err := svc.Respond(ctx, RespondParams{AssignmentID: a.ID, Decision: d, ActorID: "priya", Role: auth.RoleConveyancer}); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s after accept: expected ErrInvalidTransition, got %v", d, err)
		}
	}
	got, _ := svc.Get(ctx, a.ID)
	if got.Status != StatusAccepted {
		t.Fatalf("status changed to %s", got.Status)
	}
}

func TestRespond_Validation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	a := invite(t, svc, "conv-1")

	if _, err := svc.Respond(ctx, RespondParams{AssignmentID: a.ID, Decision: "maybe", ActorID: "priya", Role: auth.RoleConveyancer}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if _, err := svc.Respond(ctx, RespondParams{AssignmentID: a.ID, Decision: DecisionAccept, Role: auth.RoleConveyancer}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid without responder, got %v", err)
	}
	if _, err := svc.Respond(ctx, RespondParams{AssignmentID: a.ID, Decision: DecisionAccept, ActorID: "priya", Role: auth.RoleAgent}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.Respond(ctx, RespondParams{AssignmentID: "missing", Decision: DecisionAccept, ActorID: "priya", Role: auth.RoleConveyancer}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRespond_SupersededInviteKeepsCurrent(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	first := invite(t, svc, "conv-1")
	second := invite(t, svc, "conv-2")

	if _, err := svc.Respond(ctx, RespondParams{AssignmentID: first.ID, Decision: DecisionAccept, ActorID: "priya", Role: auth.RoleConveyancer}); err != nil {
		t.Fatalf("respond to superseded invite: %v", err)
	}
	cur, _ := svc.Current(ctx, "tx-1")
	if cur.ID != second.ID || cur.Status != StatusPending {
		t.Fatalf("expected second invite still current and pending, got %+v", cur)
	}
	ok, err := svc.HasAcceptedAssignment(ctx, "tx-1")
	if err != nil || ok {
		t.Fatalf("accepting a superseded invite must not satisfy the gate, got %v (%v)", ok, err)
	}
}

func TestRespond_OnlyInvitedFirm(t *testing.T) {
	svc, repo, n := newTestService()
	ctx := context.Background()
	a := invite(t, svc, "conv-1")
	sent := len(n.sent)

	for _, actor := range []string{"stranger", "tom", "no-profile"} {
		_, err := svc.Respond(ctx, RespondParams{AssignmentID: a.ID, Decision: DecisionAccept, ActorID: actor, Role: auth.RoleConveyancer})
		if !errors.Is(err, ErrNotInvitee) || !errors.Is(err, ErrForbidden) {
			t.Fatalf("%s: expected ErrNotInvitee, got %v", actor, err)
		}
	}
	if got, _ := svc.Get(ctx, a.ID); got.Status != StatusPending {
		t.Fatalf("refused responses changed status to %s", got.Status)
	}
	if ok, _ := svc.HasAcceptedAssignment(ctx, "tx-1"); ok {
		t.Fatal("a stranger's accept must not satisfy the gate")
	}
	if repo.responds != 0 || len(n.sent) != sent {
		t.Fatal("refused responses must not write or notify")
	}

	adhoc, err := svc.Invite(ctx, InviteParams{TransactionID: "tx-1", Contact: Contact{FirmName: "Local Legal", Email: "Help@Local.example"}, InvitedBy: "agent-1", Role: auth.RoleAgent})
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if _, err := svc.Respond(ctx, RespondParams{AssignmentID: adhoc.ID, Decision: DecisionDecline, ActorID: "local", Role: auth.RoleConveyancer}); err != nil {
		t.Fatalf("ad-hoc firm answering its own invite: %v", err)
	}
}

func TestRespond_ProfileLookupFailure(t *testing.T) {
	svc, _, _ := newTestService()
	svc.profiles = failingProfiles{}
	a := invite(t, svc, "conv-1")

	_, err := svc.Respond(context.Background(), RespondParams{AssignmentID: a.ID, Decision: DecisionAccept, ActorID: "priya", Role: auth.RoleConveyancer})
	if err == nil || errors.Is(err, ErrForbidden) {
		t.Fatalf("expected a lookup error rather than a refusal, got %v", err)
	}
}

func TestInvite_OnlyTransactionAgent(t *testing.T) {
	svc, repo, n := newTestService()
	ctx := context.Background()

	_, err := svc.Invite(ctx, InviteParams{TransactionID: "tx-1", ConveyancerID: "conv-1", InvitedBy: "agent-2", Role: auth.RoleAgent})
	if !errors.Is(err, ErrNotTransactionAgent) || !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrNotTransactionAgent, got %v", err)
	}
	_, err = svc.Invite(ctx, InviteParams{TransactionID: "tx-9", ConveyancerID: "conv-1", InvitedBy: "agent-1", Role: auth.RoleAgent})
	if !errors.Is(err, ErrUnknownTransaction) {
		t.Fatalf("expected ErrUnknownTransaction, got %v", err)
	}
	if len(repo.rows) != 0 || len(n.sent) != 0 {
		t.Fatal("refused invites must not write or notify")
	}
}

func TestHasAcceptedAssignment(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	if ok, err := svc.HasAcceptedAssignment(ctx, "tx-1"); err != nil || ok {
		t.Fatalf("no assignments: got %v (%v)", ok, err)
	}
	a := invite(t, svc, "conv-1")
	if _, err := svc.Respond(ctx, RespondParams{AssignmentID: a.ID, Decision: DecisionAccept, ActorID: "priya", Role: auth.RoleConveyancer}); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if ok, _ := svc.HasAcceptedAssignment(ctx, "tx-1"); !ok {
		t.Fatal("expected accepted current assignment")
	}
	invite(t, svc, "conv-2")
	if ok, _ := svc.HasAcceptedAssignment(ctx, "tx-1"); ok {
		t.Fatal("a newer pending invite replaces the accepted one")
	}
}

func TestInvite_NotificationFailureIgnored(t *testing.T) {
	svc, _, n := newTestService()
	n.err = errors.New("smtp down")
	if _, err := svc.Invite(context.Background(), InviteParams{TransactionID: "tx-1", ConveyancerID: "conv-1", InvitedBy: "agent-1", Role: auth.RoleAgent}); err != nil {
		t.Fatalf("notification failure leaked: %v", err)
	}
}

func TestLatest_TieBreaksOnSeq(t *testing.T) {
	at := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	history := []Assignment{
		{ID: "a", Seq: 1, InvitedAt: at},
		{ID: "c", Seq: 3, InvitedAt: at},
		{ID: "b", Seq: 2, InvitedAt: at},
	}
	cur, ok := Latest(history)
	if !ok || cur.ID != "c" {
		t.Fatalf("expected c, got %+v", cur)
	}
	if _, ok := Latest(nil); ok {
		t.Fatal("expected no current assignment for empty history")
	}
}

type fakeDirectory map[string]directory.Entry

func (d fakeDirectory) Get(_ context.Context, id string) (directory.Entry, error) {
	e, ok := d[id]
	if !ok {
		return directory.Entry{}, directory.ErrNotFound
	}
	return e, nil
}

type fakeProfiles map[string]auth.Profile

func (p fakeProfiles) GetProfileByID(_ context.Context, actorID string) (auth.Profile, error) {
	profile, ok := p[actorID]
	if !ok {
		return auth.Profile{}, auth.ErrProfileNotFound
	}
	return profile, nil
}

type failingProfiles struct{}

func (failingProfiles) GetProfileByID(context.Context, string) (auth.Profile, error) {
	return auth.Profile{}, errors.New("connection reset")
}

type recordingNotifier struct {
	sent []notify.Message
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	r.sent = append(r.sent, msg)
	return r.err
}

// memRepo hands out identical invited_at values so ordering relies on seq.
type memRepo struct {
	mu       sync.Mutex
	rows     []Assignment
	agents   map[string]string
	responds int
	at       time.Time
}

func newMemRepo() *memRepo {
	return &memRepo{
		agents: map[string]string{"tx-1": "agent-1"},
		at:     time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC),
	}
}

func (m *memRepo) TransactionAgent(_ context.Context, _ pgx.Tx, transactionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agentID, ok := m.agents[transactionID]
	if !ok {
		return "", ErrUnknownTransaction
	}
	return agentID, nil
}

func (m *memRepo) Insert(_ context.Context, _ pgx.Tx, a Assignment) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a.Seq = int64(len(m.rows) + 1)
	a.ID = fmt.Sprintf("asg-%d", a.Seq)
	a.Status = StatusPending
	a.InvitedAt = m.at
	m.rows = append(m.rows, a)
	return a, nil
}

func (m *memRepo) GetByID(_ context.Context, id string) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.rows {
		if a.ID == id {
			return a, nil
		}
	}
	return Assignment{}, ErrNotFound
}

func (m *memRepo) Current(ctx context.Context, transactionID string) (Assignment, error) {
	history, _ := m.History(ctx, transactionID)
	cur, ok := Latest(history)
	if !ok {
		return Assignment{}, ErrNotFound
	}
	return cur, nil
}

func (m *memRepo) History(_ context.Context, transactionID string) ([]Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Assignment
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].TransactionID == transactionID {
			out = append(out, m.rows[i])
		}
	}
	return out, nil
}

func (m *memRepo) Respond(_ context.Context, _ pgx.Tx, id string, status Status) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responds++
	for i, a := range m.rows {
		if a.ID != id {
			continue
		}
		if a.Status != StatusPending {
			return Assignment{}, ErrInvalidTransition
		}
		now := m.at.Add(time.Minute)
		a.Status = status
		a.RespondedAt = &now
		m.rows[i] = a
		return a, nil
	}
	return Assignment{}, ErrNotFound
}

type fakePool struct{}

func (fakePool) Begin(context.Context) (pgx.Tx, error) {
	return &fakeTx{}, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
