// internal/auth/authz.go
package auth

import "fmt"

// Role ranking for minimum-role gating.
const (
	RoleFarmer = "farmer"
	RoleTech   = "tech"
	RoleAdmin  = "admin"
)

var roleRank = map[string]int{
	RoleFarmer: 1,
	RoleTech:   2,
	RoleAdmin:  3,
}

// Authorize decides whether a caller may act on tenantID at minRole.
//
// Membership holds when the caller's single tenantId matches or tenantID is
// in the caller's tenantIds set. A farmer holding more than one tenant
// membership is denied outright, whichever tenant is requested: farmer
// accounts are single-tenant by policy. Returns nil to allow, an error
// wrapping ErrForbidden to deny.
func Authorize(c *Caller, tenantID, minRole string) error {
	if c == nil {
		return fmt.Errorf("%w: no caller identity", ErrForbidden)
	}
	rank, ok := roleRank[c.Role]
	if !ok {
		return fmt.Errorf("%w: unknown role %q", ErrForbidden, c.Role)
	}
	needed, ok := roleRank[minRole]
	if !ok {
		return fmt.Errorf("%w: unknown minimum role %q", ErrForbidden, minRole)
	}

	if c.Role == RoleFarmer && len(c.TenantIDs) > 1 {
		return fmt.Errorf("%w: farmer accounts are single-tenant", ErrForbidden)
	}

	member := c.TenantID != "" && c.TenantID == tenantID
	if !member {
		for _, t := range c.TenantIDs {
			if t == tenantID {
				member = true
				break
			}
		}
	}
	if !member {
		return fmt.Errorf("%w: not a member of tenant %s", ErrForbidden, tenantID)
	}
	if rank < needed {
		return fmt.Errorf("%w: role %s below required %s", ErrForbidden, c.Role, minRole)
	}
	return nil
}
