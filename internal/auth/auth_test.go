package auth

import (
	"context"
	"testing"
	"time"

	"github.com/MasterNumancs/Chat-App/internal/user"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type memUserRepo struct {
	users map[user.ID]user.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: make(map[user.ID]user.User)}
}

func (m *memUserRepo) Create(_ context.Context, u user.User) error {
	m.users[u.ID] = u
	return nil
}

func (m *memUserRepo) GetByID(_ context.Context, id user.ID) (user.User, error) {
	u, ok := m.users[id]
	if !ok {
		return user.User{}, user.ErrNotFound
	}
	return u, nil
}

func (m *memUserRepo) GetByUsername(_ context.Context, username string) (user.User, error) {
	for _, u := range m.users {
		if u.Username == username {
			return u, nil
		}
	}
	return user.User{}, user.ErrNotFound
}

func (m *memUserRepo) List(_ context.Context) ([]user.User, error) {
	out := make([]user.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	return out, nil
}

func (m *memUserRepo) UpdateStatus(_ context.Context, id user.ID, status user.Status) error {
	u, ok := m.users[id]
	if !ok {
		return user.ErrNotFound
	}
	u.Status = status
	m.users[id] = u
	return nil
}

func newTestService() *Service {
	return NewService(user.NewService(newMemUserRepo()))
}

func TestRegisterHashesPassword(t *testing.T) {
	svc := newTestService()

	created, session, err := svc.Register(context.Background(), "alice", "hunter2")
	require.NoError(t, err)

	assert.Equal(t, "alice", created.Username)
	assert.NotEqual(t, "hunter2", created.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(created.PasswordHash), []byte("hunter2")))

	assert.NotEmpty(t, session.Token)
	assert.Equal(t, created.ID, session.UserID)
	assert.Equal(t, created.Username, session.Username)
	assert.False(t, session.ExpiresAt.IsZero())
}

func TestRegisterRejectsDuplicateUsername(t *testing.T) {
	svc := newTestService()

	_, _, err := svc.Register(context.Background(), "alice", "pw")
	require.NoError(t, err)

	_, _, err = svc.Register(context.Background(), "alice", "pw2")
	assert.ErrorIs(t, err, user.ErrUsernameTaken)
}

func TestRegisterRejectsEmptyInput(t *testing.T) {
	svc := newTestService()

	_, _, err := svc.Register(context.Background(), "  ", "pw")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = svc.Register(context.Background(), "alice", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestLoginIssuesFreshSession(t *testing.T) {
	svc := newTestService()
	_, first, err := svc.Register(context.Background(), "alice", "hunter2")
	require.NoError(t, err)

	found, second, err := svc.Login(context.Background(), "alice", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "alice", found.Username)
	assert.NotEqual(t, first.Token, second.Token)

	// both tokens stay valid
	for _, tok := range []string{first.Token, second.Token} {
		session, err := svc.ValidateToken(tok)
		require.NoError(t, err)
		assert.Equal(t, found.ID, session.UserID)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := newTestService()
	_, _, err := svc.Register(context.Background(), "alice", "hunter2")
	require.NoError(t, err)

	_, _, err = svc.Login(context.Background(), "alice", "wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, _, err = svc.Login(context.Background(), "nobody", "hunter2")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestValidateTokenUnknown(t *testing.T) {
	svc := newTestService()

	_, err := svc.ValidateToken("bogus")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.ValidateToken("   ")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestValidateTokenExpiry(t *testing.T) {
	svc := newTestService()
	current := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return current }

	_, session, err := svc.Register(context.Background(), "alice", "pw")
	require.NoError(t, err)

	current = current.Add(svc.tokenTTL - time.Minute)
	_, err = svc.ValidateToken(session.Token)
	require.NoError(t, err)

	current = current.Add(2 * time.Minute)
	_, err = svc.ValidateToken(session.Token)
	assert.ErrorIs(t, err, ErrTokenExpired)

	// expired tokens are dropped from the store
	_, err = svc.ValidateToken(session.Token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
