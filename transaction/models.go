package transaction

import (
	"time"

	"conveyflow/auth"
	"conveyflow/milestone"
)

// Type says which side of the deal the agent acts for. It only drives labels.
type Type string

const (
	TypeActingForBuyer  Type = "acting_for_buyer"
	TypeActingForSeller Type = "acting_for_seller"
)

func (t Type) Valid() bool {
	return t == TypeActingForBuyer || t == TypeActingForSeller
}

// Label is the dashboard wording for the transaction type.
func (t Type) Label() string {
	switch t {
	case TypeActingForBuyer:
		return "Purchase"
	case TypeActingForSeller:
		return "Sale"
	default:
		return string(t)
	}
}

// Party is a buyer or seller attached to a transaction.
type Party struct {
	Name      string
	Email     *string
	Phone     *string
	InvitedAt *time.Time
}

// HasEmail reports whether the party can be sent an invite.
func (p Party) HasEmail() bool {
	return p.Email != nil && *p.Email != ""
}

// Transaction mirrors the transactions table.
type Transaction struct {
	ID                 string
	Reference          string
	AgentID            string
	Type               Type
	AddressLine1       string
	AddressLine2       string
	City               string
	Postcode           string
	PricePence         int64
	PropertyType       string
	Bedrooms           int
	CurrentStage       *string
	ProgressPercentage int
	Seller             Party
	Buyer              Party
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// State returns the workflow state consumed by the milestone machine.
func (t Transaction) State() milestone.State {
	return milestone.State{TransactionID: t.ID, CurrentStage: t.CurrentStage}
}

// Address joins the address lines for display.
func (t Transaction) Address() string {
	addr := t.AddressLine1
	if t.AddressLine2 != "" {
		addr += ", " + t.AddressLine2
	}
	if t.City != "" {
		addr += ", " + t.City
	}
	if t.Postcode != "" {
		addr += " " + t.Postcode
	}
	return addr
}

// StageUpdate is a compare-and-set of the workflow columns.
type StageUpdate struct {
	TransactionID string
	ExpectedStage *string
	NextStage     string
	Progress      int
}

// Involvement is how one actor relates to a transaction.
type Involvement struct {
	// Agent is set for the agent who opened the transaction.
	Agent bool
	// Assignee is set when the actor's profile email matches the current
	// conveyancer invite and that invite has not been declined.
	Assignee bool
	// Party is set once the actor has accepted a buyer or seller invite.
	Party bool
}

// Permits reports whether an actor acting as role may see or act on the
// transaction.
func (inv Involvement) Permits(role auth.Role) bool {
	switch {
	case role == auth.RoleAgent:
		return inv.Agent
	case role.IsConveyancer():
		return inv.Assignee
	case role == auth.RoleBuyer || role == auth.RoleSeller:
		return inv.Party
	default:
		return false
	}
}

// Filters narrows ListForAgent.
type Filters struct {
	AgentID  string
	Page     int
	PageSize int
}

const (
	// TimelineMilestoneCompleted is appended on every successful advance.
	TimelineMilestoneCompleted = "MILESTONE_COMPLETED"
	// TimelineTransactionCreated is appended when an agent opens a transaction.
	TimelineTransactionCreated = "TRANSACTION_CREATED"

	OutboxTopicMilestoneCompleted = "transaction.milestone_completed"
	OutboxTopicCreated            = "transaction.created"
)
