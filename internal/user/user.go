package user

import (
	"context"
	"errors"
	"time"
)

type ID string

// Status is the presence state persisted for a user.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusAway    Status = "away"
)

type User struct {
	ID           ID
	Username     string
	PasswordHash string
	Avatar       string
	Status       Status
	CreatedAt    time.Time
}

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotFound      = errors.New("not found")
	ErrUsernameTaken = errors.New("username already taken")
)

type Repository interface {
	Create(ctx context.Context, u User) error
	GetByID(ctx context.Context, id ID) (User, error)
	GetByUsername(ctx context.Context, username string) (User, error)
	List(ctx context.Context) ([]User, error)
	UpdateStatus(ctx context.Context, id ID, status Status) error
}
