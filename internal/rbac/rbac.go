// Package rbac maps marketplace roles to the actions they may perform.
// Ownership checks (only the posting's client may approve applicants, only a
// message's sender may delete it) live in the service layer; this package
// answers only the coarse role question.
package rbac

type Role string
type Action string

const (
	RoleEngineer Role = "engineer"
	RoleClient   Role = "client"
)

const (
	ActionRead          Action = "read"
	ActionUploadProject Action = "upload_project"
	ActionSpark         Action = "spark"
	ActionComment       Action = "comment"
	ActionPostJob       Action = "post_job"
	ActionApply         Action = "apply"
	ActionApprove       Action = "approve"
	ActionInvite        Action = "invite"
	ActionChat          Action = "chat"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleEngineer:
		switch action {
		case ActionRead, ActionUploadProject, ActionSpark, ActionComment, ActionApply, ActionChat:
			return true
		}
		return false
	case RoleClient:
		switch action {
		case ActionRead, ActionSpark, ActionComment, ActionPostJob, ActionApprove, ActionInvite, ActionChat:
			return true
		}
		return false
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleEngineer, RoleClient:
		return Role(role)
	default:
		return RoleEngineer
	}
}

// Valid reports whether role is one of the two declared marketplace roles.
func Valid(role string) bool {
	return Role(role) == RoleEngineer || Role(role) == RoleClient
}
