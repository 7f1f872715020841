package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/MasterNumancs/Chat-App/internal/chat"
	"github.com/MasterNumancs/Chat-App/internal/e2e"
	"github.com/MasterNumancs/Chat-App/internal/group"
	"github.com/MasterNumancs/Chat-App/internal/push"
	"github.com/MasterNumancs/Chat-App/internal/user"
)

func setupPostgresStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "chatapp",
			"POSTGRES_PASSWORD": "chatapp",
			"POSTGRES_DB":       "chatapp",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("postgres host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("postgres port: %v", err)
	}
	conn := fmt.Sprintf("postgres://chatapp:chatapp@%s:%s/chatapp?sslmode=disable", host, port.Port())
	waitForPostgres(t, conn)

	store, err := NewPostgresStore(ctx, conn)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close(ctx)
		_ = container.Terminate(ctx)
		t.Fatalf("migrate: %v", err)
	}

	cleanup := func() {
		_ = store.Close(context.Background())
		_ = container.Terminate(context.Background())
	}
	return store, cleanup
}

func seedUser(t *testing.T, repo user.Repository, id user.ID, username string) user.User {
	t.Helper()
	u := user.User{
		ID:           id,
		Username:     username,
		PasswordHash: "hash",
		Avatar:       "https://example.com/" + username,
		Status:       user.StatusOffline,
		CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := repo.Create(context.Background(), u); err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return u
}

func TestPostgresUserRepo(t *testing.T) {
	store, cleanup := setupPostgresStore(t)
	defer cleanup()

	repo := store.Users()
	u := seedUser(t, repo, "user-1", "alice")

	got, err := repo.GetByID(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.Username != "alice" || got.Avatar != u.Avatar {
		t.Fatalf("got user %+v, want %+v", got, u)
	}

	if _, err := repo.GetByUsername(context.Background(), "alice"); err != nil {
		t.Fatalf("get by username: %v", err)
	}
	if _, err := repo.GetByID(context.Background(), "missing"); !errors.Is(err, user.ErrNotFound) {
		t.Fatalf("missing user err = %v, want ErrNotFound", err)
	}

	if err := repo.Create(context.Background(), user.User{
		ID:        "user-2",
		Username:  "alice",
		CreatedAt: time.Now().UTC(),
	}); !errors.Is(err, user.ErrUsernameTaken) {
		t.Fatalf("duplicate username err = %v, want ErrUsernameTaken", err)
	}

	seedUser(t, repo, "user-3", "bob")
	list, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(list) != 2 || list[0].Username != "alice" || list[1].Username != "bob" {
		t.Fatalf("list = %+v, want alice then bob", list)
	}

	if err := repo.UpdateStatus(context.Background(), u.ID, user.StatusOnline); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, _ = repo.GetByID(context.Background(), u.ID)
	if got.Status != user.StatusOnline {
		t.Fatalf("status = %s, want online", got.Status)
	}
	if err := repo.UpdateStatus(context.Background(), "missing", user.StatusOnline); !errors.Is(err, user.ErrNotFound) {
		t.Fatalf("update missing err = %v, want ErrNotFound", err)
	}
}

func TestPostgresGroupRepo(t *testing.T) {
	store, cleanup := setupPostgresStore(t)
	defer cleanup()

	users := store.Users()
	alice := seedUser(t, users, "user-1", "alice")
	bob := seedUser(t, users, "user-2", "bob")
	carol := seedUser(t, users, "user-3", "carol")

	repo := store.Groups()
	g := group.Group{
		ID:        "grp-1",
		Name:      "climbing",
		Members:   []user.ID{alice.ID, bob.ID},
		CreatedBy: alice.ID,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := repo.Create(context.Background(), g); err != nil {
		t.Fatalf("create group: %v", err)
	}

	got, err := repo.Get(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if got.Name != "climbing" || len(got.Members) != 2 {
		t.Fatalf("group = %+v", got)
	}
	if !got.HasMember(alice.ID) || !got.HasMember(bob.ID) {
		t.Fatalf("members = %v", got.Members)
	}

	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, group.ErrNotFound) {
		t.Fatalf("missing group err = %v, want ErrNotFound", err)
	}

	if err := repo.AddMembers(context.Background(), g.ID, []user.ID{carol.ID}); err != nil {
		t.Fatalf("add members: %v", err)
	}
	if err := repo.AddMembers(context.Background(), "missing", []user.ID{carol.ID}); !errors.Is(err, group.ErrNotFound) {
		t.Fatalf("add to missing err = %v, want ErrNotFound", err)
	}

	groups, err := repo.ListForUser(context.Background(), carol.ID)
	if err != nil {
		t.Fatalf("list for user: %v", err)
	}
	if len(groups) != 1 || groups[0].ID != g.ID {
		t.Fatalf("groups = %+v", groups)
	}

	if err := repo.RemoveMember(context.Background(), g.ID, carol.ID); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	if err := repo.RemoveMember(context.Background(), g.ID, carol.ID); !errors.Is(err, group.ErrNotFound) {
		t.Fatalf("remove absent member err = %v, want ErrNotFound", err)
	}
	got, _ = repo.Get(context.Background(), g.ID)
	if got.HasMember(carol.ID) {
		t.Fatalf("carol still a member: %v", got.Members)
	}
}

func TestPostgresMessageRepo(t *testing.T) {
	store, cleanup := setupPostgresStore(t)
	defer cleanup()

	users := store.Users()
	alice := seedUser(t, users, "user-1", "alice")
	bob := seedUser(t, users, "user-2", "bob")

	groups := store.Groups()
	g := group.Group{
		ID:        "grp-1",
		Name:      "hiking",
		Members:   []user.ID{alice.ID, bob.ID},
		CreatedBy: alice.ID,
		CreatedAt: time.Now().UTC(),
	}
	if err := groups.Create(context.Background(), g); err != nil {
		t.Fatalf("create group: %v", err)
	}

	repo := store.Messages()
	base := time.Now().UTC().Truncate(time.Microsecond)
	save := func(id chat.ID, target chat.Target, payload chat.Payload, offset time.Duration) {
		t.Helper()
		err := repo.Save(context.Background(), chat.Message{
			ID:         id,
			SenderID:   alice.ID,
			SenderName: "alice",
			Target:     target,
			Payload:    payload,
			SentAt:     base.Add(offset),
		})
		if err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	plain := func(text string) chat.Payload {
		return chat.Payload{Plain: &chat.PlainPayload{Text: text}}
	}
	save("m-1", chat.PublicTarget(), plain("first"), 0)
	save("m-2", chat.PublicTarget(), plain("second"), time.Second)
	save("m-3", chat.GroupTarget(g.ID), plain("group msg"), 2*time.Second)
	save("m-4", chat.DirectTarget(bob.ID), plain("dm"), 3*time.Second)

	envelope := json.RawMessage(`{"type":"NORMAL","ciphertext":"deadbeef"}`)
	if err := repo.Save(context.Background(), chat.Message{
		ID:         "m-5",
		SenderID:   bob.ID,
		SenderName: "bob",
		Target:     chat.DirectTarget(alice.ID),
		Payload:    chat.Payload{Encrypted: &chat.EncryptedPayload{Envelope: envelope}},
		SentAt:     base.Add(4 * time.Second),
	}); err != nil {
		t.Fatalf("save encrypted: %v", err)
	}

	public, err := repo.ListPublic(context.Background(), 10)
	if err != nil {
		t.Fatalf("list public: %v", err)
	}
	if len(public) != 2 || public[0].ID != "m-1" || public[1].ID != "m-2" {
		t.Fatalf("public = %+v, want chronological m-1 m-2", public)
	}
	if public[0].Payload.Plain == nil || public[0].Payload.Plain.Text != "first" {
		t.Fatalf("payload = %+v", public[0].Payload)
	}

	// limit keeps the newest slice, still chronological
	public, err = repo.ListPublic(context.Background(), 1)
	if err != nil {
		t.Fatalf("list public limit 1: %v", err)
	}
	if len(public) != 1 || public[0].ID != "m-2" {
		t.Fatalf("public limit 1 = %+v, want m-2", public)
	}

	grp, err := repo.ListGroup(context.Background(), g.ID, 10)
	if err != nil {
		t.Fatalf("list group: %v", err)
	}
	if len(grp) != 1 || grp[0].ID != "m-3" || grp[0].Target.GroupID != g.ID {
		t.Fatalf("group messages = %+v", grp)
	}

	direct, err := repo.ListDirect(context.Background(), alice.ID, bob.ID, 10)
	if err != nil {
		t.Fatalf("list direct: %v", err)
	}
	if len(direct) != 2 || direct[0].ID != "m-4" || direct[1].ID != "m-5" {
		t.Fatalf("direct = %+v, want both directions", direct)
	}
	if direct[1].Payload.Encrypted == nil {
		t.Fatalf("encrypted payload lost: %+v", direct[1].Payload)
	}
	if string(direct[1].Payload.Encrypted.Envelope) != string(envelope) {
		t.Fatalf("envelope = %s", direct[1].Payload.Encrypted.Envelope)
	}
	if direct[1].Payload.Plain != nil {
		t.Fatalf("encrypted message also has plain payload")
	}
}

func TestPostgresPushRepo(t *testing.T) {
	store, cleanup := setupPostgresStore(t)
	defer cleanup()

	alice := seedUser(t, store.Users(), "user-1", "alice")
	repo := store.PushSubscriptions()

	sub := push.Subscription{
		UserID:   alice.ID,
		Endpoint: "https://push.example.com/sub/1",
		Keys:     push.Keys{P256dh: "p256", Auth: "auth"},
	}
	if err := repo.Save(context.Background(), sub); err != nil {
		t.Fatalf("save subscription: %v", err)
	}

	got, err := repo.Get(context.Background(), alice.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if got.Endpoint != sub.Endpoint || got.Keys != sub.Keys {
		t.Fatalf("subscription = %+v, want %+v", got, sub)
	}

	sub.Endpoint = "https://push.example.com/sub/2"
	if err := repo.Save(context.Background(), sub); err != nil {
		t.Fatalf("resave subscription: %v", err)
	}
	got, _ = repo.Get(context.Background(), alice.ID)
	if got.Endpoint != sub.Endpoint {
		t.Fatalf("endpoint = %s, want replacement", got.Endpoint)
	}

	if err := repo.Delete(context.Background(), alice.ID); err != nil {
		t.Fatalf("delete subscription: %v", err)
	}
	if _, err := repo.Get(context.Background(), alice.ID); !errors.Is(err, push.ErrNotFound) {
		t.Fatalf("get after delete err = %v, want ErrNotFound", err)
	}
}

func TestPostgresBundleRepo(t *testing.T) {
	store, cleanup := setupPostgresStore(t)
	defer cleanup()

	alice := seedUser(t, store.Users(), "user-1", "alice")
	repo := store.Bundles()

	ks := e2e.NewKeyStore(e2e.NewMemoryStore())
	if err := ks.Generate(alice.ID); err != nil {
		t.Fatalf("generate keys: %v", err)
	}
	bundle, err := ks.Bundle()
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	total := len(bundle.OneTimePreKeys)
	if total == 0 {
		t.Fatalf("bundle has no one-time prekeys")
	}

	if err := repo.Publish(context.Background(), bundle); err != nil {
		t.Fatalf("publish: %v", err)
	}

	seen := make(map[uint32]bool)
	for i := 0; i < total; i++ {
		fetched, err := repo.Fetch(context.Background(), alice.ID)
		if err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
		if fetched.UserID != alice.ID || fetched.IdentityKey != bundle.IdentityKey {
			t.Fatalf("fetched bundle = %+v", fetched)
		}
		if len(fetched.OneTimePreKeys) != 1 {
			t.Fatalf("fetch %d served %d one-time prekeys, want 1", i, len(fetched.OneTimePreKeys))
		}
		id := fetched.OneTimePreKeys[0].ID
		if seen[id] {
			t.Fatalf("one-time prekey %d served twice", id)
		}
		seen[id] = true
	}

	// exhausted: bundle still served, no one-time prekey attached
	fetched, err := repo.Fetch(context.Background(), alice.ID)
	if err != nil {
		t.Fatalf("fetch exhausted: %v", err)
	}
	if len(fetched.OneTimePreKeys) != 0 {
		t.Fatalf("exhausted fetch served %d one-time prekeys", len(fetched.OneTimePreKeys))
	}

	if _, err := repo.Fetch(context.Background(), "ghost"); !errors.Is(err, e2e.ErrNotFound) {
		t.Fatalf("fetch unknown err = %v, want ErrNotFound", err)
	}

	// republish replaces the stored material
	if err := ks.Generate(alice.ID); err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	fresh, err := ks.Bundle()
	if err != nil {
		t.Fatalf("fresh bundle: %v", err)
	}
	if err := repo.Publish(context.Background(), fresh); err != nil {
		t.Fatalf("republish: %v", err)
	}
	fetched, err = repo.Fetch(context.Background(), alice.ID)
	if err != nil {
		t.Fatalf("fetch after republish: %v", err)
	}
	if fetched.IdentityKey == bundle.IdentityKey {
		t.Fatalf("republish kept old identity key")
	}
	if len(fetched.OneTimePreKeys) != 1 {
		t.Fatalf("republish fetch served %d one-time prekeys, want 1", len(fetched.OneTimePreKeys))
	}
}
