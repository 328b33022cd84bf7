package identity

import (
	"time"

	v1 "murmur/shared/contracts/realtime/v1"
)

// User is murmur's canonical identity.
// Handle is the public "#N" string derived from SequentialID.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"displayName"`
	SequentialID int64     `json:"sequentialId"`
	Handle       string    `json:"displayUsername"`
	Avatar       string    `json:"avatar"`
	CreatedAt    time.Time `json:"createdAt"`
}

// RegisterInput describes a user registration request.
type RegisterInput struct {
	Username    string
	DisplayName string
	Avatar      string
	Now         time.Time
}

// UpdateInput is a partial update. Only the avatar is mutable after registration.
type UpdateInput struct {
	Avatar *string
}

// Listing is the directory snapshot served by GET /users.
type Listing struct {
	Users   []User `json:"users"`
	Counter int64  `json:"counter"`
}

// ToWire converts the user to its event shape.
func (u User) ToWire() v1.User {
	return v1.User{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Handle:      u.Handle,
		Avatar:      u.Avatar,
	}
}
