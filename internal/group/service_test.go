package group

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MasterNumancs/Chat-App/internal/user"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	groups    map[ID]Group
	createErr error
	addErr    error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{groups: make(map[ID]Group)}
}

func (f *fakeRepo) Create(_ context.Context, g Group) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.groups[g.ID] = g
	return nil
}

func (f *fakeRepo) Get(_ context.Context, id ID) (Group, error) {
	g, ok := f.groups[id]
	if !ok {
		return Group{}, ErrNotFound
	}
	return g, nil
}

func (f *fakeRepo) ListForUser(_ context.Context, userID user.ID) ([]Group, error) {
	var out []Group
	for _, g := range f.groups {
		if g.HasMember(userID) {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeRepo) AddMembers(_ context.Context, id ID, members []user.ID) error {
	if f.addErr != nil {
		return f.addErr
	}
	g, ok := f.groups[id]
	if !ok {
		return ErrNotFound
	}
	g.Members = append(g.Members, members...)
	f.groups[id] = g
	return nil
}

func (f *fakeRepo) RemoveMember(_ context.Context, id ID, member user.ID) error {
	g, ok := f.groups[id]
	if !ok {
		return ErrNotFound
	}
	kept := make([]user.ID, 0, len(g.Members))
	for _, m := range g.Members {
		if m != member {
			kept = append(kept, m)
		}
	}
	g.Members = kept
	f.groups[id] = g
	return nil
}

func newTestService(repo Repository) *Service {
	s := NewService(repo)
	s.idGen = func() ID { return "g-1" }
	s.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestCreateAddsCreatorAsMember(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)

	g, err := svc.Create(context.Background(), "alice", "climbing", []user.ID{"bob", "carol"})
	require.NoError(t, err)

	assert.Equal(t, ID("g-1"), g.ID)
	assert.Equal(t, "climbing", g.Name)
	assert.Equal(t, user.ID("alice"), g.CreatedBy)
	assert.Equal(t, []user.ID{"alice", "bob", "carol"}, g.Members)

	stored, err := repo.Get(context.Background(), g.ID)
	require.NoError(t, err)
	assert.Equal(t, g.Members, stored.Members)
}

func TestCreateDedupesMembers(t *testing.T) {
	svc := newTestService(newFakeRepo())

	g, err := svc.Create(context.Background(), "alice", "chess", []user.ID{"bob", "alice", "bob", ""})
	require.NoError(t, err)
	assert.Equal(t, []user.ID{"alice", "bob"}, g.Members)
}

func TestCreateTrimsName(t *testing.T) {
	svc := newTestService(newFakeRepo())

	g, err := svc.Create(context.Background(), "alice", "  reading club  ", nil)
	require.NoError(t, err)
	assert.Equal(t, "reading club", g.Name)
}

func TestCreateRejectsMissingInput(t *testing.T) {
	svc := newTestService(newFakeRepo())

	_, err := svc.Create(context.Background(), "", "name", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Create(context.Background(), "alice", "   ", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreatePropagatesRepoError(t *testing.T) {
	repo := newFakeRepo()
	repo.createErr = errors.New("db down")
	svc := newTestService(repo)

	_, err := svc.Create(context.Background(), "alice", "name", nil)
	assert.EqualError(t, err, "db down")
}

func TestIsMember(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	g, err := svc.Create(context.Background(), "alice", "hiking", []user.ID{"bob"})
	require.NoError(t, err)

	ok, err := svc.IsMember(context.Background(), g.ID, "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.IsMember(context.Background(), g.ID, "mallory")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.IsMember(context.Background(), "missing", "bob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAddMembersRequiresExistingMember(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	g, err := svc.Create(context.Background(), "alice", "hiking", nil)
	require.NoError(t, err)

	_, err = svc.AddMembers(context.Background(), g.ID, "mallory", []user.ID{"bob"})
	assert.ErrorIs(t, err, ErrForbidden)

	updated, err := svc.AddMembers(context.Background(), g.ID, "alice", []user.ID{"bob", "carol"})
	require.NoError(t, err)
	assert.Equal(t, []user.ID{"alice", "bob", "carol"}, updated.Members)
}

func TestAddMembersAnyMemberMayInvite(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	g, err := svc.Create(context.Background(), "alice", "hiking", []user.ID{"bob"})
	require.NoError(t, err)

	updated, err := svc.AddMembers(context.Background(), g.ID, "bob", []user.ID{"carol"})
	require.NoError(t, err)
	assert.True(t, updated.HasMember("carol"))
}

func TestAddMembersSkipsExistingAndEmpty(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	g, err := svc.Create(context.Background(), "alice", "hiking", []user.ID{"bob"})
	require.NoError(t, err)

	updated, err := svc.AddMembers(context.Background(), g.ID, "alice", []user.ID{"bob", "", "alice"})
	require.NoError(t, err)
	assert.Equal(t, []user.ID{"alice", "bob"}, updated.Members)
}

func TestRemoveMemberSelfLeave(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	g, err := svc.Create(context.Background(), "alice", "hiking", []user.ID{"bob"})
	require.NoError(t, err)

	updated, err := svc.RemoveMember(context.Background(), g.ID, "bob", "bob")
	require.NoError(t, err)
	assert.Equal(t, []user.ID{"alice"}, updated.Members)
}

func TestRemoveMemberCreatorMayRemoveOthers(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	g, err := svc.Create(context.Background(), "alice", "hiking", []user.ID{"bob"})
	require.NoError(t, err)

	updated, err := svc.RemoveMember(context.Background(), g.ID, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, updated.HasMember("bob"))
}

func TestRemoveMemberNonCreatorCannotRemoveOthers(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	g, err := svc.Create(context.Background(), "alice", "hiking", []user.ID{"bob", "carol"})
	require.NoError(t, err)

	_, err = svc.RemoveMember(context.Background(), g.ID, "bob", "carol")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRemoveMemberUnknownMember(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo)
	g, err := svc.Create(context.Background(), "alice", "hiking", nil)
	require.NoError(t, err)

	_, err = svc.RemoveMember(context.Background(), g.ID, "alice", "ghost")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestListForUser(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo)

	_, err := svc.Create(context.Background(), "alice", "one", []user.ID{"bob"})
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), "carol", "two", nil)
	require.NoError(t, err)

	groups, err := svc.ListForUser(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "one", groups[0].Name)
}
