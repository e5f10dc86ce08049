package dispatch

// Role is a sender's permission level, ordered from least to most privileged.
type Role int

const (
	RoleEveryone Role = iota
	RoleSubscriber
	RoleModerator
	RoleStreamer
)

func (r Role) String() string {
	switch r {
	case RoleSubscriber:
		return "subscriber"
	case RoleModerator:
		return "moderator"
	case RoleStreamer:
		return "streamer"
	default:
		return "everyone"
	}
}

// ParseRole maps a wire or config role string to its Role. Unknown strings
// (including the platform's "viewer") map to the lowest level.
func ParseRole(s string) Role {
	switch s {
	case "subscriber":
		return RoleSubscriber
	case "moderator":
		return RoleModerator
	case "streamer":
		return RoleStreamer
	default:
		return RoleEveryone
	}
}
