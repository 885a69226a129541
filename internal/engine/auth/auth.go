package auth

import (
	"fmt"

	"nodegrid/internal/domain"
)

// ForbiddenError indicates the caller's organization does not grant access
// to the target resource.
type ForbiddenError struct {
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("you are not allowed to %s this node", e.Action)
}

// ValidationError indicates a malformed or unsatisfiable request field.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string {
	return e.Msg
}

// CanAccessNode is the single authorization rule for node resources:
// admins always pass, everyone else must share the node's organization.
func CanAccessNode(role string, callerOrgID, nodeOrgID int64) bool {
	return role == domain.RoleAdmin || callerOrgID == nodeOrgID
}
