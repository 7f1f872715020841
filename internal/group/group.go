package group

import (
	"context"
	"errors"
	"time"

	"github.com/MasterNumancs/Chat-App/internal/user"
)

type ID string

type Group struct {
	ID        ID
	Name      string
	Members   []user.ID
	CreatedBy user.ID
	CreatedAt time.Time
}

// HasMember reports whether id is in the member list.
func (g Group) HasMember(id user.ID) bool {
	for _, m := range g.Members {
		if m == id {
			return true
		}
	}
	return false
}

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
)

type Repository interface {
	Create(ctx context.Context, g Group) error
	Get(ctx context.Context, id ID) (Group, error)
	ListForUser(ctx context.Context, userID user.ID) ([]Group, error)
	AddMembers(ctx context.Context, id ID, members []user.ID) error
	RemoveMember(ctx context.Context, id ID, member user.ID) error
}
