package party

import "time"

// Kind names which side of the sale a party is on.
type Kind string

const (
	KindSeller Kind = "seller"
	KindBuyer  Kind = "buyer"
)

func (k Kind) Valid() bool {
	return k == KindSeller || k == KindBuyer
}

// invitedColumn is the transactions column holding k's invited-at stamp.
func (k Kind) invitedColumn() string {
	if k == KindBuyer {
		return "buyer_invited_at"
	}
	return "seller_invited_at"
}

type InviteStatus string

const (
	InviteStatusPending  InviteStatus = "pending"
	InviteStatusAccepted InviteStatus = "accepted"
)

func (s InviteStatus) Valid() bool {
	return s == InviteStatusPending || s == InviteStatusAccepted
}

// Invite is a tokened invitation for a buyer or seller to join a transaction.
type Invite struct {
	ID            string
	Token         string
	TransactionID string
	Party         Kind
	Email         string
	Name          string
	InvitedBy     string
	Status        InviteStatus
	AccountID     *string
	CreatedAt     time.Time
	AcceptedAt    *time.Time
}

// InviteDetails is what the invite landing page shows before acceptance.
type InviteDetails struct {
	Invite
	Reference string
	Address   string
}

// Contact is the party's stored details on the transaction row, with the
// agent who owns that row.
type Contact struct {
	AgentID   string
	Name      string
	Email     *string
	InvitedAt *time.Time
}

// Side is one party's invitation progress.
type Side struct {
	InvitedAt *time.Time
	Accepted  bool
}

func (s Side) Invited() bool { return s.InvitedAt != nil }

// State reports both parties' invitation progress on a transaction.
type State struct {
	TransactionID string
	Seller        Side
	Buyer         Side
}

const (
	TimelinePartyInvited  = "PARTY_INVITED"
	TimelinePartyAccepted = "PARTY_INVITE_ACCEPTED"

	OutboxTopicInvited  = "party.invited"
	OutboxTopicAccepted = "party.accepted"
)
