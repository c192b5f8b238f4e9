package domain

import "time"

type Role string

const (
	RoleFarmer      Role = "farmer"
	RoleBuyer       Role = "buyer"
	RoleDistributor Role = "distributor"
	RoleTransporter Role = "transporter"
	RoleExpert      Role = "expert"
	RoleAdmin       Role = "admin"
)

// IsValid reports whether r is one of the known marketplace roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleFarmer, RoleBuyer, RoleDistributor, RoleTransporter, RoleExpert, RoleAdmin:
		return true
	}
	return false
}

// CanSell reports whether accounts with this role may publish listings.
func (r Role) CanSell() bool {
	return r == RoleFarmer || r == RoleDistributor || r == RoleAdmin
}

// CanBuy reports whether accounts with this role may check out orders.
func (r Role) CanBuy() bool {
	return r == RoleBuyer || r == RoleDistributor || r == RoleFarmer
}

// User represents an authenticated marketplace account.
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
