// Package access decides whether a user may read or write a dataset.
package access

import "github.com/pavelanni/qafeedback/internal/model"

// Decision is the outcome of an access check.
type Decision int

const (
	// Allowed means the user may use the dataset.
	Allowed Decision = iota
	// Unauthenticated means there is no user to check.
	Unauthenticated
	// Forbidden means the user is known but holds no grant.
	Forbidden
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Unauthenticated:
		return "unauthenticated"
	case Forbidden:
		return "forbidden"
	}
	return "unknown"
}

// GrantChecker looks up explicit user/dataset grants.
type GrantChecker interface {
	HasGrant(userID, datasetID int64) (bool, error)
}

// Check returns Allowed for admins without consulting grants, otherwise
// Allowed iff g holds a grant for (u, datasetID).
func Check(g GrantChecker, u *model.User, datasetID int64) (Decision, error) {
	if u == nil {
		return Unauthenticated, nil
	}
	if u.IsAdmin() {
		return Allowed, nil
	}
	ok, err := g.HasGrant(u.ID, datasetID)
	if err != nil {
		return Forbidden, err
	}
	if !ok {
		return Forbidden, nil
	}
	return Allowed, nil
}

// HasAccess is Check reduced to a boolean; lookup errors deny.
func HasAccess(g GrantChecker, u *model.User, datasetID int64) bool {
	d, err := Check(g, u, datasetID)
	return err == nil && d == Allowed
}
