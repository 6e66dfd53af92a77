// Package domain contains core domain types for the Scenario Lab application.
package domain

import (
	"time"
)

// User represents an identity that has logged in at least once.
type User struct {
	UserID     string    `json:"id"`
	Phone      string    `json:"phone"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Seen reports whether the user logged in within the given window.
func (u *User) Seen(within time.Duration) bool {
	if u.LastSeenAt.IsZero() {
		return false
	}
	return time.Since(u.LastSeenAt) <= within
}
