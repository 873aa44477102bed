package model

import (
	"time"

	"github.com/google/uuid"
)

// Job is the payload carried by the work queue.
type Job struct {
	ID           string    `json:"id"`
	UserID       uuid.UUID `json:"userId"`
	Username     string    `json:"username,omitempty"`
	Addresses    []string  `json:"addresses,omitempty"`
	Email        string    `json:"email,omitempty"`
	ForceRefresh bool      `json:"forceRefresh,omitempty"`
	Attempt      int       `json:"attempt"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
}

// NewJob builds a first-attempt job for user.
func NewJob(u User, force bool) Job {
	return Job{
		ID:           uuid.NewString(),
		UserID:       u.ID,
		Username:     u.Username,
		Addresses:    append([]string(nil), u.Addresses...),
		Email:        u.Email,
		ForceRefresh: force,
		Attempt:      1,
		EnqueuedAt:   time.Now().UTC(),
	}
}
