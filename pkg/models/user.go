package models

import (
	"time"
)

// User is an analyst known to the service. Users are provisioned on first
// authenticated request, keyed by email.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
