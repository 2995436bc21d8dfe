package identity

import "time"

// Role is the privilege level of an identity.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// ParseRole returns the role named by s, defaulting to RoleUser.
func ParseRole(s string) Role {
	if Role(s) == RoleAdmin {
		return RoleAdmin
	}
	return RoleUser
}

// Identity is an authenticated principal. It never changes while a session
// referencing it is alive.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"username"`
	Role        Role   `json:"role"`
}

// IsZero reports whether the identity was never resolved.
func (i Identity) IsZero() bool {
	return i.ID == ""
}

// IsAdmin reports whether the identity holds the admin role.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Session binds an opaque token to an identity.
type Session struct {
	Token     string    `json:"token"`
	Identity  Identity  `json:"identity"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
