package chat

import "time"

// Status tracks the lifecycle of a counseling session.
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Session is one user's counseling conversation. The ID is opaque and
// immutable once created; only the owning user may read or write it.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
