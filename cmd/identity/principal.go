package identity

import (
	"errors"
	"fmt"
	"strings"
)

// Role is the course role of a principal.
type Role string

const (
	RoleInstructor Role = "instructor"
	RoleLearner    Role = "learner"
)

// Sentinel errors (stable for errors.Is).
var (
	ErrInvalidRole   = errors.New("invalid_role")
	ErrMissingUserID = errors.New("missing_user_id")
)

// ParseRole normalizes s into a Role. Aliases used by the course app
// ("teacher", "student") are accepted.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "instructor", "teacher":
		return RoleInstructor, nil
	case "learner", "student":
		return RoleLearner, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

func (r Role) String() string { return string(r) }

// Principal is a caller resolved from a bearer credential.
type Principal struct {
	UserID string
	Role   Role
}

// Validate checks that the principal carries a user id and a known role.
func (p Principal) Validate() error {
	if strings.TrimSpace(p.UserID) == "" {
		return ErrMissingUserID
	}
	if _, err := ParseRole(string(p.Role)); err != nil {
		return err
	}
	return nil
}
