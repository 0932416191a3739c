package domain

// Member represents a participant's meta for a room.
// No transport or lifecycle logic here.
type Member struct {
	User     *User
	Identity string
	Mute     bool
}

func NewMember(user *User, identity string) *Member {
	return &Member{User: user, Identity: identity}
}
