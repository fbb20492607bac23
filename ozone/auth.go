package ozone

// Role is the coarse moderation role hierarchy: Triage < Moderator < Admin.
type Role int

const (
	RoleTriage Role = iota + 1
	RoleModerator
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleTriage:
		return "triage"
	case RoleModerator:
		return "moderator"
	case RoleAdmin:
		return "admin"
	default:
		return "<unknown>"
	}
}

func ParseRole(raw string) (Role, bool) {
	switch raw {
	case "triage":
		return RoleTriage, true
	case "moderator":
		return RoleModerator, true
	case "admin":
		return RoleAdmin, true
	default:
		return 0, false
	}
}

// Non-destructive kinds a triage account may file directly. Everything else
// requires at least moderator.
var triageAllowedKinds = map[EventKind]bool{
	EventAcknowledge: true,
	EventEscalate:    true,
	EventComment:     true,
	EventReport:      true,
	EventMute:        true,
	EventUnmute:      true,
	EventEmail:       true,
}

// Authorize decides whether an actor with the given role may emit an event of
// the given kind against the given subject kind. Pure function, no side
// effects.
func Authorize(role Role, kind EventKind, subject SubjectKind) error {
	if role >= RoleModerator {
		return nil
	}
	if kind == EventTakedown && subject == SubjectAccount {
		return &AuthorizationError{Role: role, Kind: kind, Reason: "must be a full moderator to take down an account"}
	}
	if kind == EventTakedown || kind == EventReverseTakedown || kind == EventRevert {
		return &AuthorizationError{Role: role, Kind: kind, Reason: "must be a full moderator to take this type of action"}
	}
	if kind == EventLabel {
		return &AuthorizationError{Role: role, Kind: kind, Reason: "must be a full moderator to label content"}
	}
	if !triageAllowedKinds[kind] {
		return &AuthorizationError{Role: role, Kind: kind, Reason: "must be a full moderator to take this type of action"}
	}
	return nil
}
