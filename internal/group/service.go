package group

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MasterNumancs/Chat-App/internal/user"
	"github.com/google/uuid"
)

type Service struct {
	repo  Repository
	idGen func() ID
	now   func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{
		repo:  repo,
		idGen: func() ID { return ID(uuid.NewString()) },
		now:   time.Now,
	}
}

// Create makes a new group with the creator as its first member.
func (s *Service) Create(ctx context.Context, creator user.ID, name string, members []user.ID) (Group, error) {
	if s.repo == nil {
		return Group{}, errors.New("repository is required")
	}
	if creator == "" || strings.TrimSpace(name) == "" {
		return Group{}, ErrInvalidInput
	}

	g := Group{
		ID:        s.idGen(),
		Name:      strings.TrimSpace(name),
		Members:   dedupe(append([]user.ID{creator}, members...)),
		CreatedBy: creator,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.Create(ctx, g); err != nil {
		return Group{}, err
	}
	return g, nil
}

func (s *Service) Get(ctx context.Context, id ID) (Group, error) {
	if s.repo == nil {
		return Group{}, errors.New("repository is required")
	}
	if id == "" {
		return Group{}, ErrInvalidInput
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) ListForUser(ctx context.Context, userID user.ID) ([]Group, error) {
	if s.repo == nil {
		return nil, errors.New("repository is required")
	}
	if userID == "" {
		return nil, ErrInvalidInput
	}
	return s.repo.ListForUser(ctx, userID)
}

// IsMember checks membership against the persisted group state, never a
// client-asserted claim.
func (s *Service) IsMember(ctx context.Context, id ID, userID user.ID) (bool, error) {
	g, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return g.HasMember(userID), nil
}

// AddMembers lets an existing member grow the group.
func (s *Service) AddMembers(ctx context.Context, id ID, actor user.ID, members []user.ID) (Group, error) {
	g, err := s.Get(ctx, id)
	if err != nil {
		return Group{}, err
	}
	if !g.HasMember(actor) {
		return Group{}, ErrForbidden
	}

	added := make([]user.ID, 0, len(members))
	for _, m := range dedupe(members) {
		if m != "" && !g.HasMember(m) {
			added = append(added, m)
		}
	}
	if len(added) == 0 {
		return g, nil
	}
	if err := s.repo.AddMembers(ctx, id, added); err != nil {
		return Group{}, err
	}
	g.Members = append(g.Members, added...)
	return g, nil
}

// RemoveMember removes a member. Members may leave on their own; removing
// anyone else is reserved for the group creator.
func (s *Service) RemoveMember(ctx context.Context, id ID, actor, member user.ID) (Group, error) {
	g, err := s.Get(ctx, id)
	if err != nil {
		return Group{}, err
	}
	if member == "" || !g.HasMember(member) {
		return Group{}, ErrInvalidInput
	}
	if actor != member && actor != g.CreatedBy {
		return Group{}, ErrForbidden
	}
	if err := s.repo.RemoveMember(ctx, id, member); err != nil {
		return Group{}, err
	}

	kept := g.Members[:0]
	for _, m := range g.Members {
		if m != member {
			kept = append(kept, m)
		}
	}
	g.Members = kept
	return g, nil
}

func dedupe(ids []user.ID) []user.ID {
	seen := make(map[user.ID]struct{}, len(ids))
	out := make([]user.ID, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
