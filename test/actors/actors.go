// Package actors drives the real services concurrently against a shared
// database. An actor returns an error only when the system accepts something
// it must refuse; expected rejections and dropped connections are counted.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"conveyflow/assignment"
	"conveyflow/auth"
	"conveyflow/directory"
	"conveyflow/milestone"
	"conveyflow/outbox"
	"conveyflow/party"
	"conveyflow/transaction"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AgentID owns every seeded transaction. ForeignAgentID owns none of them.
const (
	AgentID        = "stress-agent"
	ForeignAgentID = "stress-foreign-agent"
)

// Stack is the service graph the server wires, minus HTTP.
type Stack struct {
	Pool         *pgxpool.Pool
	Transactions *transaction.Service
	Assignments  *assignment.Service
	Parties      *party.Service
	Directory    *directory.Service

	// conveyancers maps a lower-cased invite email to the account behind it.
	// Filled before actors start and read-only afterwards.
	conveyancers map[string]string
	adhoc        []string
}

func NewStack(pool *pgxpool.Pool) *Stack {
	journal := outbox.NewWriter()
	dir := directory.NewService(directory.NewRepository(pool))
	assignments := assignment.NewService(pool, assignment.NewRepository(pool), dir, auth.NewRepository(pool), journal, journal)
	return &Stack{
		Pool:         pool,
		Transactions: transaction.NewService(pool, transaction.NewRepository(pool), milestone.NewMachine(nil), journal, journal),
		Assignments:  assignments,
		Parties:      party.NewService(pool, party.NewRepository(pool), journal, journal),
		Directory:    dir,
		conveyancers: make(map[string]string),
	}
}

// AddConveyancer records the account that signs in with email. Ad-hoc
// accounts are also offered to Inviter as off-directory contacts.
func (st *Stack) AddConveyancer(email, actorID string, adhoc bool) {
	st.conveyancers[strings.ToLower(email)] = actorID
	if adhoc {
		st.adhoc = append(st.adhoc, email)
	}
}

func (st *Stack) conveyancerFor(email string) (string, bool) {
	id, ok := st.conveyancers[strings.ToLower(email)]
	return id, ok
}

// otherConveyancer picks an account that is not the one invited at email.
func (st *Stack) otherConveyancer(email string) (string, bool) {
	for e, id := range st.conveyancers {
		if e != strings.ToLower(email) {
			return id, true
		}
	}
	return "", false
}

// assigneeFor returns the account of the current invitee, or a stranger when
// nobody holds the transaction.
func (st *Stack) assigneeFor(ctx context.Context, transactionID string) (string, error) {
	cur, err := st.Assignments.Current(ctx, transactionID)
	if errors.Is(err, assignment.ErrNotFound) {
		return "stress-unassigned", nil
	}
	if err != nil {
		return "", err
	}
	if id, ok := st.conveyancerFor(cur.Contact.Email); ok {
		return id, nil
	}
	return "stress-unassigned", nil
}

// Stats counts outcomes across all actors.
type Stats struct {
	Advanced   atomic.Int64
	Rejected   atomic.Int64
	Invited    atomic.Int64
	Responded  atomic.Int64
	Accepted   atomic.Int64
	Published  atomic.Int64
	InfraFails atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("advanced=%d rejected=%d invited=%d responded=%d accepted=%d published=%d infra=%d",
		s.Advanced.Load(), s.Rejected.Load(), s.Invited.Load(), s.Responded.Load(),
		s.Accepted.Load(), s.Published.Load(), s.InfraFails.Load())
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(minMS, spreadMS int) {
	time.Sleep(time.Duration(minMS+rand.Intn(spreadMS)) * time.Millisecond)
}

func isAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// Advancer keeps completing the next milestone of transactionID as whichever
// participant owns it, racing every other Advancer on the same transaction.
// Conveyancer steps are taken by the current invitee, so they are refused
// while the invite is declined or the assignee changes underneath.
func Advancer(ctx context.Context, st *Stack, stats *Stats, transactionID string, stop <-chan struct{}) error {
	catalog := milestone.Default()
	for !stopped(ctx, stop) {
		view, err := st.Transactions.Progress(ctx, transactionID, AgentID, auth.RoleAgent)
		if err != nil {
			stats.InfraFails.Add(1)
			pause(20, 30)
			continue
		}
		next := view.Completed
		if next >= catalog.Len() {
			return nil
		}
		def, _ := catalog.At(next)
		role, actorID := auth.RoleAgent, AgentID
		if def.Owner == milestone.OwnerConveyancer {
			role = auth.RoleConveyancer
			if actorID, err = st.assigneeFor(ctx, transactionID); err != nil {
				stats.InfraFails.Add(1)
				continue
			}
		}

		_, err = st.Transactions.Advance(ctx, transaction.AdvanceParams{
			TransactionID:  transactionID,
			MilestoneIndex: next,
			ActorID:        actorID,
			Role:           role,
		})
		switch {
		case err == nil:
			stats.Advanced.Add(1)
		case isAny(err, milestone.ErrOutOfOrderTransition, milestone.ErrNoFurtherMilestones, transaction.ErrNotParticipant):
			stats.Rejected.Add(1)
		default:
			stats.InfraFails.Add(1)
		}
		pause(5, 20)
	}
	return nil
}

// Skipper attempts advances that must always be refused: it targets a
// milestone at or beyond the current one with a role that does not own it, so
// whichever the stage is by the time the advance lands, it is either out of
// order or not permitted. Every few rounds it instead sends the owning role
// from an agent who does not hold the transaction.
func Skipper(ctx context.Context, st *Stack, stats *Stats, transactionID string, stop <-chan struct{}) error {
	catalog := milestone.Default()
	for i := 0; !stopped(ctx, stop); i++ {
		view, err := st.Transactions.Progress(ctx, transactionID, AgentID, auth.RoleAgent)
		if err != nil {
			stats.InfraFails.Add(1)
			pause(20, 30)
			continue
		}
		index := view.Completed + rand.Intn(4)
		def, ok := catalog.At(index)
		if !ok || def.Owner == milestone.OwnerBoth {
			pause(10, 20)
			continue
		}
		role, actorID := auth.RoleAgent, AgentID
		if def.Owner == milestone.OwnerAgent {
			role = auth.RoleConveyancer
			if actorID, err = st.assigneeFor(ctx, transactionID); err != nil {
				stats.InfraFails.Add(1)
				continue
			}
		}
		if i%5 == 4 && def.Owner == milestone.OwnerAgent {
			role, actorID = auth.RoleAgent, ForeignAgentID
		}

		_, err = st.Transactions.Advance(ctx, transaction.AdvanceParams{
			TransactionID:  transactionID,
			MilestoneIndex: index,
			ActorID:        actorID,
			Role:           role,
		})
		switch {
		case err == nil:
			return fmt.Errorf("skipper: %s as %s completed %q which it may not", actorID, role, def.Name)
		case isAny(err, milestone.ErrOutOfOrderTransition, milestone.ErrPermissionDenied, milestone.ErrNoFurtherMilestones, transaction.ErrNotParticipant):
			stats.Rejected.Add(1)
		default:
			stats.InfraFails.Add(1)
		}
		pause(10, 30)
	}
	return nil
}

// Inviter keeps inviting conveyancers onto transactionID, superseding the
// current assignment each time. Every few rounds a foreign agent tries the
// same and must be refused.
func Inviter(ctx context.Context, st *Stack, stats *Stats, transactionID string, conveyancerIDs []string, stop <-chan struct{}) error {
	for i := 0; !stopped(ctx, stop); i++ {
		params := assignment.InviteParams{
			TransactionID: transactionID,
			InvitedBy:     AgentID,
			Role:          auth.RoleAgent,
		}
		if len(conveyancerIDs) > 0 && (i%2 == 0 || len(st.adhoc) == 0) {
			params.ConveyancerID = conveyancerIDs[rand.Intn(len(conveyancerIDs))]
		} else {
			params.Contact = assignment.Contact{
				FirmName:    fmt.Sprintf("Adhoc Firm %d", i),
				ContactName: "Stress Contact",
				Email:       st.adhoc[rand.Intn(len(st.adhoc))],
			}
		}
		foreign := i%7 == 6
		if foreign {
			params.InvitedBy = ForeignAgentID
		}

		_, err := st.Assignments.Invite(ctx, params)
		switch {
		case err == nil && foreign:
			return fmt.Errorf("inviter: %s invited a conveyancer onto %s", ForeignAgentID, transactionID)
		case err == nil:
			stats.Invited.Add(1)
		case foreign && errors.Is(err, assignment.ErrNotTransactionAgent):
			stats.Rejected.Add(1)
		default:
			stats.InfraFails.Add(1)
		}
		pause(40, 60)
	}
	return nil
}

// Responder answers pending invites on transactionID as the invited firm.
// Several responders race on the same invite; exactly one answer may stick.
// Now and then it answers from another firm's account, which must be refused.
func Responder(ctx context.Context, st *Stack, stats *Stats, transactionID string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		history, err := st.Assignments.History(ctx, transactionID)
		if err != nil {
			stats.InfraFails.Add(1)
			pause(20, 30)
			continue
		}
		var pending []assignment.Assignment
		for _, a := range history {
			if a.Status == assignment.StatusPending {
				pending = append(pending, a)
			}
		}
		if len(pending) == 0 {
			pause(20, 30)
			continue
		}
		target := pending[rand.Intn(len(pending))]
		decision := assignment.DecisionAccept
		if rand.Intn(3) == 0 {
			decision = assignment.DecisionDecline
		}

		actorID, ok := st.conveyancerFor(target.Contact.Email)
		impostor := rand.Intn(5) == 0
		if impostor {
			actorID, ok = st.otherConveyancer(target.Contact.Email)
		}
		if !ok {
			pause(20, 30)
			continue
		}

		_, err = st.Assignments.Respond(ctx, assignment.RespondParams{
			AssignmentID: target.ID,
			Decision:     decision,
			ActorID:      actorID,
			Role:         auth.RoleConveyancer,
		})
		switch {
		case err == nil && impostor:
			return fmt.Errorf("responder: %s answered invite %s sent to %s", actorID, target.ID, target.Contact.Email)
		case err == nil:
			stats.Responded.Add(1)
		case impostor && errors.Is(err, assignment.ErrNotInvitee):
			stats.Rejected.Add(1)
		case !impostor && errors.Is(err, assignment.ErrInvalidTransition):
			stats.Rejected.Add(1)
		default:
			stats.InfraFails.Add(1)
		}
		pause(10, 30)
	}
	return nil
}

// PartyInviter races to invite both parties of transactionID. Only the first
// invite per party may succeed.
func PartyInviter(ctx context.Context, st *Stack, stats *Stats, transactionID string, stop <-chan struct{}) error {
	kinds := []party.Kind{party.KindSeller, party.KindBuyer}
	for !stopped(ctx, stop) {
		_, err := st.Parties.Invite(ctx, party.InviteParams{
			TransactionID: transactionID,
			Party:         kinds[rand.Intn(len(kinds))],
			InvitedBy:     AgentID,
			Role:          auth.RoleAgent,
		})
		switch {
		case err == nil:
			stats.Invited.Add(1)
		case errors.Is(err, party.ErrAlreadyInvited):
			stats.Rejected.Add(1)
		default:
			stats.InfraFails.Add(1)
		}
		pause(20, 40)
	}
	return nil
}

// PartyAcceptor redeems issued invite tokens, racing other acceptors.
func PartyAcceptor(ctx context.Context, st *Stack, stats *Stats, transactionID string, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		rows, err := st.Pool.Query(ctx, `SELECT token FROM party_invites WHERE transaction_id = $1`, transactionID)
		if err != nil {
			stats.InfraFails.Add(1)
			pause(20, 30)
			continue
		}
		var tokens []string
		for rows.Next() {
			var token string
			if err := rows.Scan(&token); err == nil {
				tokens = append(tokens, token)
			}
		}
		rows.Close()
		if len(tokens) == 0 {
			pause(20, 30)
			continue
		}

		token := tokens[rand.Intn(len(tokens))]
		_, err = st.Parties.Accept(ctx, token, fmt.Sprintf("account-%d", rand.Intn(4)))
		switch {
		case err == nil:
			stats.Accepted.Add(1)
		case errors.Is(err, party.ErrInviteNotPending):
			stats.Rejected.Add(1)
		default:
			stats.InfraFails.Add(1)
		}
		pause(15, 30)
	}
	return nil
}

// CountingPublisher stands in for JetStream. It fails a share of publishes and
// remembers every message id it accepted.
type CountingPublisher struct {
	FailEvery int
	calls     atomic.Int64
	seen      chan string
}

func NewCountingPublisher(failEvery int) *CountingPublisher {
	return &CountingPublisher{FailEvery: failEvery, seen: make(chan string, 1<<16)}
}

func (p *CountingPublisher) Publish(_, msgID string, _ []byte) error {
	n := p.calls.Add(1)
	if p.FailEvery > 0 && n%int64(p.FailEvery) == 0 {
		return errors.New("publisher: injected failure")
	}
	select {
	case p.seen <- msgID:
	default:
	}
	return nil
}

// Relay runs one outbox relay worker. Several workers share the table through
// SKIP LOCKED.
func Relay(ctx context.Context, pool *pgxpool.Pool, pub outbox.Publisher, stats *Stats, stop <-chan struct{}) error {
	relay := outbox.NewRelay(pool, pub).WithBatchSize(10)
	for !stopped(ctx, stop) {
		n, err := relay.RunOnce(ctx)
		stats.Published.Add(int64(n))
		if err != nil {
			stats.InfraFails.Add(1)
		}
		pause(30, 40)
	}
	return nil
}
