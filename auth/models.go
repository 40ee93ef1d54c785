package auth

import "time"

type Role string

const (
	RoleAgent       Role = "agent"
	RoleConveyancer Role = "conveyancer"
	// RoleSolicitor is accepted wherever RoleConveyancer is.
	RoleSolicitor Role = "solicitor"
	// RoleBuyer covers the combined buyer/seller account type.
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Profile is the stored account profile the role is read from.
// It mirrors the profiles table and carries no JSON annotations so it can be
// reused by different presentation layers.
type Profile struct {
	ID        string
	Email     string
	FullName  string
	Phone     *string
	Role      Role
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsConveyancer reports whether the role acts for a conveyancing firm.
func (r Role) IsConveyancer() bool {
	return r == RoleConveyancer || r == RoleSolicitor
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAgent, RoleConveyancer, RoleSolicitor, RoleBuyer, RoleSeller:
		return true
	default:
		return false
	}
}
