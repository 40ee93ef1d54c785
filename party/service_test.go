package party

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"conveyflow/auth"
	"conveyflow/notify"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func strPtr(s string) *string { return &s }

func newTestService(repo *memRepo) (*Service, *recordingNotifier) {
	n := &recordingNotifier{}
	var seq int
	var mu sync.Mutex
	svc := NewService(fakePool{}, repo, nil, nil).
		WithNotifier(n).
		WithTokenGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("tok-%d", seq)
		})
	return svc, n
}

func sellerOnly() *memRepo {
	return newMemRepo(txRow{id: "tx-1", seller: Contact{Name: "Sam Seller", Email: strPtr(" Sam@Example.com ")}})
}

func TestInvite_IssuesTokenAndStamps(t *testing.T) {
	repo := sellerOnly()
	svc, n := newTestService(repo)

	inv, err := svc.Invite(context.Background(), InviteParams{TransactionID: "tx-1", Party: KindSeller, InvitedBy: "agent-1", Role: auth.RoleAgent})
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if inv.Token != "tok-1" || inv.Status != InviteStatusPending || inv.Email != "sam@example.com" {
		t.Fatalf("unexpected invite %+v", inv)
	}
	state, err := svc.State(context.Background(), "tx-1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if !state.Seller.Invited() || state.Buyer.Invited() {
		t.Fatalf("expected only the seller invited, got %+v", state)
	}
	if len(n.sent) != 1 || n.sent[0].Kind != notify.KindPartyInvited || n.sent[0].Data["token"] != "tok-1" {
		t.Fatalf("expected party notification with token, got %+v", n.sent)
	}
}

func TestInvite_Preconditions(t *testing.T) {
	repo := sellerOnly()
	svc, n := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.Invite(ctx, InviteParams{TransactionID: "tx-1", Party: KindBuyer, InvitedBy: "agent-1", Role: auth.RoleAgent}); !errors.Is(err, ErrMissingContact) {
		t.Fatalf("expected ErrMissingContact for buyer without email, got %v", err)
	}
	if state, _ := svc.State(ctx, "tx-1"); state.Buyer.Invited() {
		t.Fatal("buyer invited-at must stay unset")
	}

	if _, err := svc.Invite(ctx, InviteParams{TransactionID: "tx-1", Party: KindSeller, InvitedBy: "agent-1", Role: auth.RoleAgent}); err != nil {
		t.Fatalf("first invite: %v", err)
	}
	first, _ := svc.State(ctx, "tx-1")
	if _, err := svc.Invite(ctx, InviteParams{TransactionID: "tx-1", Party: KindSeller, InvitedBy: "agent-1", Role: auth.RoleAgent}); !errors.Is(err, ErrAlreadyInvited) {
		t.Fatalf("expected ErrAlreadyInvited, got %v", err)
	}
	second, _ := svc.State(ctx, "tx-1")
	if !first.Seller.InvitedAt.Equal(*second.Seller.InvitedAt) {
		t.Fatal("invited-at changed on repeat invite")
	}
	if len(n.sent) != 1 {
		t.Fatalf("expected one notification, got %d", len(n.sent))
	}

	if _, err := svc.Invite(ctx, InviteParams{TransactionID: "tx-1", Party: KindSeller, InvitedBy: "c", Role: auth.RoleConveyancer}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.Invite(ctx, InviteParams{TransactionID: "tx-1", Party: "landlord", InvitedBy: "a", Role: auth.RoleAgent}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if _, err := svc.Invite(ctx, InviteParams{TransactionID: "tx-404", Party: KindSeller, InvitedBy: "a", Role: auth.RoleAgent}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInvite_OnlyTransactionAgent(t *testing.T) {
	repo := newMemRepo(txRow{id: "tx-1", agent: "agent-1", seller: Contact{Name: "Sam Seller", Email: strPtr("sam@example.com")}})
	svc, n := newTestService(repo)
	ctx := context.Background()

	_, err := svc.Invite(ctx, InviteParams{TransactionID: "tx-1", Party: KindSeller, InvitedBy: "agent-2", Role: auth.RoleAgent})
	if !errors.Is(err, ErrNotTransactionAgent) || !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrNotTransactionAgent, got %v", err)
	}
	if state, _ := svc.State(ctx, "tx-1"); state.Seller.Invited() {
		t.Fatal("a refused invite must not stamp invited-at")
	}
	if len(repo.invites) != 0 || len(n.sent) != 0 {
		t.Fatal("a refused invite must not write or notify")
	}
}

func TestInsertError_ConstraintNames(t *testing.T) {
	cases := []struct {
		err  error
		want error
	}{
		{&pgconn.PgError{Code: "23505", ConstraintName: onePerPartyConstraint}, ErrAlreadyInvited},
		{&pgconn.PgError{Code: "23505", ConstraintName: tokenConstraint}, ErrDuplicateToken},
	}
	for _, tc := range cases {
		if got := insertError(tc.err); !errors.Is(got, tc.want) {
			t.Errorf("%v: expected %v, got %v", tc.err, tc.want, got)
		}
	}
	other := insertError(&pgconn.PgError{Code: "23503", ConstraintName: "party_invites_transaction_id_fkey"})
	if errors.Is(other, ErrAlreadyInvited) || errors.Is(other, ErrDuplicateToken) {
		t.Fatalf("foreign key violation misclassified: %v", other)
	}
}

func TestInvite_ConcurrentOnlyOneWins(t *testing.T) {
	repo := newMemRepo(txRow{id: "tx-1", buyer: Contact{Name: "Bea Buyer", Email: strPtr("bea@example.com")}})
	svc, _ := newTestService(repo)

	const callers = 12
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		already int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Invite(context.Background(), InviteParams{TransactionID: "tx-1", Party: KindBuyer, InvitedBy: "agent-1", Role: auth.RoleAgent})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrAlreadyInvited):
				already++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || already != callers-1 {
		t.Fatalf("expected 1 win and %d ErrAlreadyInvited, got %d and %d", callers-1, wins, already)
	}
	if len(repo.invites) != 1 {
		t.Fatalf("expected one invite row, got %d", len(repo.invites))
	}
}

func TestAcceptOnce(t *testing.T) {
	repo := sellerOnly()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	inv, err := svc.Invite(ctx, InviteParams{TransactionID: "tx-1", Party: KindSeller, InvitedBy: "agent-1", Role: auth.RoleAgent})
	if err != nil {
		t.Fatalf("invite: %v", err)
	}

	details, err := svc.Lookup(ctx, inv.Token)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if details.Reference != "CF-TX1" || details.Party != KindSeller {
		t.Fatalf("unexpected details %+v", details)
	}

	accepted, err := svc.Accept(ctx, inv.Token, "account-9")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != InviteStatusAccepted || accepted.AccountID == nil || *accepted.AccountID != "account-9" {
		t.Fatalf("unexpected accepted invite %+v", accepted)
	}
	if _, err := svc.Accept(ctx, inv.Token, "account-10"); !errors.Is(err, ErrInviteNotPending) {
		t.Fatalf("expected ErrInviteNotPending, got %v", err)
	}
	if details, err := svc.Lookup(ctx, inv.Token); !errors.Is(err, ErrInviteNotPending) || details.Email != "" || details.Address != "" {
		t.Fatalf("used token must not expose invite details, got %+v (%v)", details, err)
	}
	if _, err := svc.Accept(ctx, "nope", "account-10"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	state, _ := svc.State(ctx, "tx-1")
	if !state.Seller.Accepted || state.Buyer.Accepted {
		t.Fatalf("unexpected state %+v", state)
	}
}

// txRow belongs to agent-1 unless agent is set.
type txRow struct {
	id     string
	agent  string
	seller Contact
	buyer  Contact
}

type memRepo struct {
	mu      sync.Mutex
	rows    map[string]*txRow
	invites []Invite
	clock   time.Time
}

func newMemRepo(rows ...txRow) *memRepo {
	m := &memRepo{rows: map[string]*txRow{}, clock: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	for i := range rows {
		row := rows[i]
		m.rows[row.id] = &row
	}
	return m
}

func (m *memRepo) side(row *txRow, kind Kind) *Contact {
	if kind == KindBuyer {
		return &row.buyer
	}
	return &row.seller
}

func (m *memRepo) Contact(_ context.Context, _ pgx.Tx, transactionID string, kind Kind) (Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[transactionID]
	if !ok {
		return Contact{}, ErrNotFound
	}
	c := *m.side(row, kind)
	c.AgentID = row.agent
	if c.AgentID == "" {
		c.AgentID = "agent-1"
	}
	return c, nil
}

func (m *memRepo) MarkInvited(_ context.Context, _ pgx.Tx, transactionID string, kind Kind) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.side(m.rows[transactionID], kind)
	if c.InvitedAt != nil {
		return time.Time{}, ErrAlreadyInvited
	}
	at := m.clock
	c.InvitedAt = &at
	return at, nil
}

func (m *memRepo) InsertInvite(_ context.Context, _ pgx.Tx, inv Invite) (Invite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv.ID = fmt.Sprintf("inv-%d", len(m.invites)+1)
	inv.Status = InviteStatusPending
	inv.CreatedAt = m.clock
	m.invites = append(m.invites, inv)
	return inv, nil
}

func (m *memRepo) GetByToken(_ context.Context, token string) (InviteDetails, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range m.invites {
		if inv.Token == token {
			return InviteDetails{Invite: inv, Reference: "CF-TX1", Address: "1 High St"}, nil
		}
	}
	return InviteDetails{}, ErrNotFound
}

func (m *memRepo) Accept(_ context.Context, _ pgx.Tx, token, accountID string) (Invite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, inv := range m.invites {
		if inv.Token != token {
			continue
		}
		if inv.Status != InviteStatusPending {
			return Invite{}, ErrInviteNotPending
		}
		at := m.clock.Add(time.Hour)
		inv.Status = InviteStatusAccepted
		inv.AccountID = &accountID
		inv.AcceptedAt = &at
		m.invites[i] = inv
		return inv, nil
	}
	return Invite{}, ErrNotFound
}

func (m *memRepo) State(_ context.Context, transactionID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[transactionID]
	if !ok {
		return State{}, ErrNotFound
	}
	s := State{TransactionID: transactionID, Seller: Side{InvitedAt: row.seller.InvitedAt}, Buyer: Side{InvitedAt: row.buyer.InvitedAt}}
	for _, inv := range m.invites {
		if inv.TransactionID != transactionID || inv.Status != InviteStatusAccepted {
			continue
		}
		if inv.Party == KindSeller {
			s.Seller.Accepted = true
		} else {
			s.Buyer.Accepted = true
		}
	}
	return s, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (r *recordingNotifier) Notify(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
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
