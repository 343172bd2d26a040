package party

import "time"

// Role is the capacity in which a party acts.
type Role string

const (
	RoleSponsor     Role = "sponsor"
	RoleBeneficiary Role = "beneficiary"
	RoleAdmin       Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleSponsor, RoleBeneficiary, RoleAdmin:
		return true
	}
	return false
}

// Party is a sponsor, beneficiary or operator known to the system.
type Party struct {
	ID                string
	Role              Role
	DisplayName       string
	SettlementAddress string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasSettlementAddress reports whether the party registered a ledger address.
func (p Party) HasSettlementAddress() bool {
	return p.SettlementAddress != ""
}

// Caller is the authenticated identity behind a request.
type Caller struct {
	PartyID string
	Role    Role
}

// IsAdmin reports whether the caller acts as an operator.
func (c Caller) IsAdmin() bool {
	return c.Role == RoleAdmin
}
