package domain

import "time"

// User is a locally stored user record. AvatarHash is nil until the user's
// avatar has been written to the avatar store.
type User struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	Avatar     string    `json:"avatar,omitempty"`
	AvatarHash *string   `json:"avatarHash"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// HasCachedAvatar reports whether the record points at a cached avatar file.
func (u *User) HasCachedAvatar() bool {
	return u != nil && u.AvatarHash != nil && *u.AvatarHash != ""
}
