package assignment

import (
	"strings"
	"time"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusDeclined:
		return true
	}
	return false
}

// Contact is the conveyancer snapshot stored with each invite.
type Contact struct {
	FirmName    string
	ContactName string
	Email       string
	Phone       string
}

func (c Contact) normalized() Contact {
	return Contact{
		FirmName:    strings.TrimSpace(c.FirmName),
		ContactName: strings.TrimSpace(c.ContactName),
		Email:       strings.ToLower(strings.TrimSpace(c.Email)),
		Phone:       strings.TrimSpace(c.Phone),
	}
}

// Assignment is one invite of a conveyancer onto a transaction. ConveyancerID
// is nil for firms invited ad hoc rather than from the directory.
type Assignment struct {
	ID            string
	Seq           int64
	TransactionID string
	ConveyancerID *string
	Contact       Contact
	Status        Status
	InvitedBy     string
	InvitedAt     time.Time
	RespondedAt   *time.Time
}

// Newer reports whether a was invited after b. Equal timestamps fall back to
// insertion order.
func (a Assignment) Newer(b Assignment) bool {
	if !a.InvitedAt.Equal(b.InvitedAt) {
		return a.InvitedAt.After(b.InvitedAt)
	}
	return a.Seq > b.Seq
}

// Latest picks the current assignment out of a transaction's history.
func Latest(history []Assignment) (Assignment, bool) {
	if len(history) == 0 {
		return Assignment{}, false
	}
	cur := history[0]
	for _, a := range history[1:] {
		if a.Newer(cur) {
			cur = a
		}
	}
	return cur, true
}

// Decision is a conveyancer's answer to an invite.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
)

func (d Decision) status() (Status, bool) {
	switch d {
	case DecisionAccept:
		return StatusAccepted, true
	case DecisionDecline:
		return StatusDeclined, true
	}
	return "", false
}

const (
	TimelineConveyancerInvited   = "CONVEYANCER_INVITED"
	TimelineConveyancerResponded = "CONVEYANCER_RESPONDED"

	OutboxTopicInvited   = "assignment.invited"
	OutboxTopicResponded = "assignment.responded"
)
