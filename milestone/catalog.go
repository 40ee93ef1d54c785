// Package milestone defines the ordered transaction lifecycle and the rules
// for moving a transaction through it.
package milestone

import (
	"fmt"
	"strings"

	"conveyflow/auth"
)

// Owner names the party responsible for completing a milestone.
type Owner string

const (
	OwnerAgent       Owner = "agent"
	OwnerConveyancer Owner = "conveyancer"
	OwnerBoth        Owner = "both"
)

// Definition is one static step of the lifecycle.
type Definition struct {
	Position    int
	Name        string
	Description string
	Owner       Owner
	ActionLabel string
}

// Catalog is an immutable, ordered set of definitions with unique names.
type Catalog struct {
	defs  []Definition
	index map[string]int
}

// NewCatalog validates defs and assigns positions from their order.
func NewCatalog(defs ...Definition) (*Catalog, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("milestone: catalog must not be empty")
	}

	c := &Catalog{
		defs:  make([]Definition, len(defs)),
		index: make(map[string]int, len(defs)),
	}
	for i, d := range defs {
		if strings.TrimSpace(d.Name) == "" {
			return nil, fmt.Errorf("milestone: definition %d has no name", i)
		}
		if _, dup := c.index[d.Name]; dup {
			return nil, fmt.Errorf("milestone: duplicate name %q", d.Name)
		}
		switch d.Owner {
		case OwnerAgent, OwnerConveyancer, OwnerBoth:
		default:
			return nil, fmt.Errorf("milestone: %q has invalid owner %q", d.Name, d.Owner)
		}
		d.Position = i
		c.defs[i] = d
		c.index[d.Name] = i
	}
	return c, nil
}

// MustCatalog is NewCatalog for static configuration.
func MustCatalog(defs ...Definition) *Catalog {
	c, err := NewCatalog(defs...)
	if err != nil {
		panic(err)
	}
	return c
}

var defaultCatalog = MustCatalog(
	Definition{Name: "Instruction Received", Description: "Agent has been instructed on the property", Owner: OwnerAgent, ActionLabel: "Confirm instruction"},
	Definition{Name: "Offer Accepted", Description: "An offer has been accepted and memorandum of sale issued", Owner: OwnerAgent, ActionLabel: "Record accepted offer"},
	Definition{Name: "ID Verification", Description: "Client identity and AML checks completed", Owner: OwnerConveyancer, ActionLabel: "Confirm ID checks"},
	Definition{Name: "Searches Ordered", Description: "Local authority, water and environmental searches ordered", Owner: OwnerConveyancer, ActionLabel: "Order searches"},
	Definition{Name: "Search Results", Description: "Search results received and reviewed", Owner: OwnerConveyancer, ActionLabel: "Review search results"},
	Definition{Name: "Contract Pack Sent", Description: "Draft contract and property forms sent to the buyer's conveyancer", Owner: OwnerConveyancer, ActionLabel: "Send contract pack"},
	Definition{Name: "Enquiries Raised", Description: "Pre-contract enquiries raised and answered", Owner: OwnerConveyancer, ActionLabel: "Resolve enquiries"},
	Definition{Name: "Mortgage Offer", Description: "Lender has issued a mortgage offer, or the buyer is a cash buyer", Owner: OwnerBoth, ActionLabel: "Confirm mortgage offer"},
	Definition{Name: "Exchange of Contracts", Description: "Contracts exchanged and completion date fixed", Owner: OwnerConveyancer, ActionLabel: "Confirm exchange"},
	Definition{Name: "Completion", Description: "Funds transferred and keys released", Owner: OwnerBoth, ActionLabel: "Mark complete"},
)

// Default returns the lifecycle shared by every transaction type.
func Default() *Catalog {
	return defaultCatalog
}

// Len returns the number of milestones.
func (c *Catalog) Len() int { return len(c.defs) }

// At returns the definition at position i.
func (c *Catalog) At(i int) (Definition, bool) {
	if i < 0 || i >= len(c.defs) {
		return Definition{}, false
	}
	return c.defs[i], true
}

// IndexOf returns the position of the named milestone.
func (c *Catalog) IndexOf(name string) (int, bool) {
	i, ok := c.index[name]
	return i, ok
}

// Definitions returns a copy of the ordered definitions.
func (c *Catalog) Definitions() []Definition {
	out := make([]Definition, len(c.defs))
	copy(out, c.defs)
	return out
}

// CanAdvance reports whether role may complete d.
func CanAdvance(d Definition, role auth.Role) bool {
	switch d.Owner {
	case OwnerBoth:
		return true
	case OwnerAgent:
		return role == auth.RoleAgent
	case OwnerConveyancer:
		return role.IsConveyancer()
	default:
		return false
	}
}
