package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrForbidden is returned when a principal may not act on a branch.
	ErrForbidden = errors.New("forbidden")
	// ErrBranchRequired is returned when no branch was named and the
	// principal has more than one.
	ErrBranchRequired = errors.New("branch_id is required")
)

// Principal is the acting staff member.
type Principal struct {
	UserID    string      `json:"user_id"`
	Roles     []string    `json:"roles"`
	BranchIDs []uuid.UUID `json:"branch_ids"`
}

func (p Principal) IsAdmin() bool {
	for _, r := range p.Roles {
		if r == RoleAdmin {
			return true
		}
	}
	return false
}

func (p Principal) HasRole(role string) bool {
	return hasAnyRole(p.Roles, []string{role})
}

// PrincipalFromContext builds the principal from identity stored by the auth
// middleware. Branch claims that are not UUIDs are ignored.
func PrincipalFromContext(ctx context.Context) Principal {
	p := Principal{UserID: UserIDFromContext(ctx), Roles: RolesFromContext(ctx)}
	for _, b := range BranchesFromContext(ctx) {
		if id, err := uuid.Parse(b); err == nil {
			p.BranchIDs = append(p.BranchIDs, id)
		}
	}
	return p
}

// ResolveBranchID returns the branch the principal acts on. An empty request
// resolves to the principal's only branch.
func ResolveBranchID(p Principal, requested uuid.UUID) (uuid.UUID, error) {
	if p.UserID == "" {
		return uuid.Nil, fmt.Errorf("%w: no authenticated principal", ErrForbidden)
	}
	if requested == uuid.Nil {
		if len(p.BranchIDs) == 1 {
			return p.BranchIDs[0], nil
		}
		return uuid.Nil, ErrBranchRequired
	}
	if p.IsAdmin() {
		return requested, nil
	}
	for _, b := range p.BranchIDs {
		if b == requested {
			return requested, nil
		}
	}
	return uuid.Nil, fmt.Errorf("%w: user %s cannot act on branch %s", ErrForbidden, p.UserID, requested)
}
