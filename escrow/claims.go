package escrow

// Role is the identity provider's role claim.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleSeller, RoleAdmin:
		return true
	}
	return false
}

// Claims are the identity facts supplied by the caller. The engine trusts
// them as given; verifying them is the transport's job.
type Claims struct {
	UserID UserID
	Role   Role
}

func (c *Claims) IsAdmin() bool {
	return c != nil && c.UserID != "" && c.Role == RoleAdmin
}

// requireAdmin rejects nil claims and non-admin roles.
func requireAdmin(c *Claims) error {
	if !c.IsAdmin() {
		return ErrUnauthorized
	}
	return nil
}

// requireUser rejects nil or anonymous claims.
func requireUser(c *Claims) error {
	if c == nil || c.UserID == "" {
		return ErrUnauthorized
	}
	return nil
}
