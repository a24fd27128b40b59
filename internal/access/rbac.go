package access

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleEditor    Role = "editor"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionVote    Action = "vote"
	ActionAdmin   Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionComment || action == ActionVote
	case RoleCommenter:
		return action == ActionRead || action == ActionComment
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// ParseRole returns the role named s. Unknown names are rejected rather than
// mapped to a default, so a misspelled role never makes a change visible.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleViewer, RoleCommenter, RoleEditor, RoleAdmin:
		return Role(s), true
	default:
		return "", false
	}
}

func rank(role Role) int {
	switch role {
	case RoleViewer:
		return 1
	case RoleCommenter:
		return 2
	case RoleEditor:
		return 3
	case RoleAdmin:
		return 4
	default:
		return 0
	}
}

// Includes reports whether holding role held carries the grants given to
// role required. Roles form a strict hierarchy: admin > editor > commenter > viewer.
func Includes(held, required Role) bool {
	r := rank(required)
	return r > 0 && rank(held) >= r
}
