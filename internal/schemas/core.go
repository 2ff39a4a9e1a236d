package schemas

import (
	"fmt"
	"time"
)

// User is an account held by the local identity provider.
type User struct {
	// never changes, used as the document id of every per-user record
	Id string

	// format: [name]#XXXX
	Name string

	// hashed password
	Password string

	CreatedAt time.Time
}

// InviteCode admits one registration.
type InviteCode struct {
	Id               string
	Code             string
	RegisteredUserId string
	CreatedAt        time.Time
}

// Presence is the Users/{userId} document.
type Presence struct {
	IsOnline     bool   `json:"isOnline"`
	IsMuted      bool   `json:"isMuted"`
	IsDeafened   bool   `json:"isDeafened"`
	CustomStatus string `json:"customStatus,omitempty"`
	DisplayName  string `json:"displayName,omitempty"`
}

// Status is the line shown under a member's name.
func (p Presence) Status() string {
	if p.CustomStatus != "" {
		return p.CustomStatus
	}
	if p.IsOnline {
		return "Online"
	}
	return "Offline"
}

type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// Member is the Servers/{serverId}/Members/{userId} document.
type Member struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

func (m Member) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("invalid role %q", m.Role)
	}
	return nil
}

// Nickname is the Users/{userId}/Nicknames/{serverId} document.
type Nickname struct {
	ServerID       string `json:"serverId"`
	ServerNickname string `json:"serverNickname"`
}
