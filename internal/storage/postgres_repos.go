package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MasterNumancs/Chat-App/internal/chat"
	"github.com/MasterNumancs/Chat-App/internal/e2e"
	"github.com/MasterNumancs/Chat-App/internal/group"
	"github.com/MasterNumancs/Chat-App/internal/push"
	"github.com/MasterNumancs/Chat-App/internal/user"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

type userRepo struct {
	db *sql.DB
}

func (r *userRepo) Create(ctx context.Context, u user.User) error {
	if u.ID == "" || u.Username == "" || u.CreatedAt.IsZero() {
		return fmt.Errorf("user id, username, and created_at are required")
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO users (id, username, password_hash, avatar, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.Username, u.PasswordHash, u.Avatar, u.Status, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return user.ErrUsernameTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *userRepo) GetByID(ctx context.Context, id user.ID) (user.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, username, password_hash, avatar, status, created_at
		FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (r *userRepo) GetByUsername(ctx context.Context, username string) (user.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, username, password_hash, avatar, status, created_at
		FROM users WHERE username = $1`, username)
	return scanUser(row)
}

func scanUser(row *sql.Row) (user.User, error) {
	var u user.User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Avatar, &u.Status, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.User{}, user.ErrNotFound
		}
		return user.User{}, fmt.Errorf("select user: %w", err)
	}
	return u, nil
}

func (r *userRepo) List(ctx context.Context) ([]user.User, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, username, password_hash, avatar, status, created_at
		FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []user.User
	for rows.Next() {
		var u user.User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Avatar, &u.Status, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (r *userRepo) UpdateStatus(ctx context.Context, id user.ID, status user.Status) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update user status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return user.ErrNotFound
	}
	return nil
}

type groupRepo struct {
	db *sql.DB
}

func (r *groupRepo) Create(ctx context.Context, g group.Group) error {
	if g.ID == "" || g.Name == "" || g.CreatedBy == "" || g.CreatedAt.IsZero() {
		return fmt.Errorf("group id, name, created_by, and created_at are required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create group: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO groups (id, name, created_by, created_at)
		VALUES ($1, $2, $3, $4)`, g.ID, g.Name, g.CreatedBy, g.CreatedAt); err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	for _, member := range g.Members {
		if _, err := tx.ExecContext(ctx, `INSERT INTO group_members (group_id, user_id, added_at)
			VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, g.ID, member, g.CreatedAt); err != nil {
			return fmt.Errorf("insert group member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create group: %w", err)
	}
	return nil
}

func (r *groupRepo) Get(ctx context.Context, id group.ID) (group.Group, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, created_by, created_at
		FROM groups WHERE id = $1`, id)
	var g group.Group
	if err := row.Scan(&g.ID, &g.Name, &g.CreatedBy, &g.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return group.Group{}, group.ErrNotFound
		}
		return group.Group{}, fmt.Errorf("select group: %w", err)
	}

	members, err := r.members(ctx, id)
	if err != nil {
		return group.Group{}, err
	}
	g.Members = members
	return g, nil
}

func (r *groupRepo) members(ctx context.Context, id group.ID) ([]user.ID, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT user_id FROM group_members
		WHERE group_id = $1 ORDER BY added_at`, id)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	defer rows.Close()

	var members []user.ID
	for rows.Next() {
		var m user.ID
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group members: %w", err)
	}
	return members, nil
}

func (r *groupRepo) ListForUser(ctx context.Context, userID user.ID) ([]group.Group, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT g.id, g.name, g.created_by, g.created_at
		FROM groups g JOIN group_members gm ON gm.group_id = g.id
		WHERE gm.user_id = $1 ORDER BY g.created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list groups for user: %w", err)
	}
	defer rows.Close()

	var groups []group.Group
	for rows.Next() {
		var g group.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.CreatedBy, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}

	for i := range groups {
		members, err := r.members(ctx, groups[i].ID)
		if err != nil {
			return nil, err
		}
		groups[i].Members = members
	}
	return groups, nil
}

func (r *groupRepo) AddMembers(ctx context.Context, id group.ID, members []user.ID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add members: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM groups WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check group: %w", err)
	}
	if !exists {
		return group.ErrNotFound
	}

	now := time.Now().UTC()
	for _, member := range members {
		if _, err := tx.ExecContext(ctx, `INSERT INTO group_members (group_id, user_id, added_at)
			VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, id, member, now); err != nil {
			return fmt.Errorf("insert group member: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add members: %w", err)
	}
	return nil
}

func (r *groupRepo) RemoveMember(ctx context.Context, id group.ID, member user.ID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM group_members
		WHERE group_id = $1 AND user_id = $2`, id, member)
	if err != nil {
		return fmt.Errorf("delete group member: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return group.ErrNotFound
	}
	return nil
}

type messageRepo struct {
	db *sql.DB
}

func (r *messageRepo) Save(ctx context.Context, msg chat.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.ID == "" || msg.SentAt.IsZero() {
		return fmt.Errorf("message id and sent_at are required")
	}

	var body, image any
	var envelope []byte
	if msg.Payload.Plain != nil {
		body = msg.Payload.Plain.Text
		image = msg.Payload.Plain.Image
	}
	if msg.Payload.Encrypted != nil {
		envelope = msg.Payload.Encrypted.Envelope
	}

	var groupID, peerID any
	if msg.Target.GroupID != "" {
		groupID = msg.Target.GroupID
	}
	if msg.Target.PeerID != "" {
		peerID = msg.Target.PeerID
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO messages
		(id, sender_id, sender_name, sender_avatar, target_kind, group_id, peer_id, body, image, envelope, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		msg.ID, msg.SenderID, msg.SenderName, msg.SenderAvatar, msg.Target.Kind,
		groupID, peerID, body, image, envelope, msg.SentAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

const messageColumns = `id, sender_id, sender_name, sender_avatar, target_kind, group_id, peer_id, body, image, envelope, sent_at`

func (r *messageRepo) ListPublic(ctx context.Context, limit int) ([]chat.Message, error) {
	return r.list(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE target_kind = 'public' ORDER BY sent_at DESC LIMIT $1`, limit)
}

func (r *messageRepo) ListGroup(ctx context.Context, groupID group.ID, limit int) ([]chat.Message, error) {
	return r.list(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE target_kind = 'group' AND group_id = $1 ORDER BY sent_at DESC LIMIT $2`, groupID, limit)
}

func (r *messageRepo) ListDirect(ctx context.Context, a, b user.ID, limit int) ([]chat.Message, error) {
	return r.list(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE target_kind = 'direct'
		AND ((sender_id = $1 AND peer_id = $2) OR (sender_id = $2 AND peer_id = $1))
		ORDER BY sent_at DESC LIMIT $3`, a, b, limit)
}

func (r *messageRepo) list(ctx context.Context, query string, args ...any) ([]chat.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	// Newest-first query, reversed to chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func scanMessage(rows *sql.Rows) (chat.Message, error) {
	var (
		msg      chat.Message
		kind     string
		groupID  sql.NullString
		peerID   sql.NullString
		body     sql.NullString
		image    sql.NullString
		envelope []byte
	)
	if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.SenderName, &msg.SenderAvatar,
		&kind, &groupID, &peerID, &body, &image, &envelope, &msg.SentAt); err != nil {
		return chat.Message{}, fmt.Errorf("scan message: %w", err)
	}

	msg.Target.Kind = chat.TargetKind(kind)
	if groupID.Valid {
		msg.Target.GroupID = group.ID(groupID.String)
	}
	if peerID.Valid {
		msg.Target.PeerID = user.ID(peerID.String)
	}

	if len(envelope) > 0 {
		msg.Payload.Encrypted = &chat.EncryptedPayload{Envelope: envelope}
	} else {
		msg.Payload.Plain = &chat.PlainPayload{Text: body.String, Image: image.String}
	}
	return msg, nil
}

type pushRepo struct {
	db *sql.DB
}

func (r *pushRepo) Save(ctx context.Context, sub push.Subscription) error {
	if sub.UserID == "" || sub.Endpoint == "" {
		return fmt.Errorf("subscription user id and endpoint are required")
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET endpoint = EXCLUDED.endpoint, p256dh = EXCLUDED.p256dh, auth = EXCLUDED.auth, updated_at = EXCLUDED.updated_at`,
		sub.UserID, sub.Endpoint, sub.Keys.P256dh, sub.Keys.Auth, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert push subscription: %w", err)
	}
	return nil
}

func (r *pushRepo) Get(ctx context.Context, userID user.ID) (push.Subscription, error) {
	row := r.db.QueryRowContext(ctx, `SELECT user_id, endpoint, p256dh, auth
		FROM push_subscriptions WHERE user_id = $1`, userID)
	var sub push.Subscription
	if err := row.Scan(&sub.UserID, &sub.Endpoint, &sub.Keys.P256dh, &sub.Keys.Auth); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return push.Subscription{}, push.ErrNotFound
		}
		return push.Subscription{}, fmt.Errorf("select push subscription: %w", err)
	}
	return sub, nil
}

func (r *pushRepo) Delete(ctx context.Context, userID user.ID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete push subscription: %w", err)
	}
	return nil
}

// bundleRepo persists published prekey bundles. The static bundle half and
// the one-time prekey list are stored separately so Fetch can pop exactly
// one prekey under row-level locking.
type bundleRepo struct {
	db *sql.DB
}

func (r *bundleRepo) Publish(ctx context.Context, bundle e2e.PreKeyBundle) error {
	if bundle.UserID == "" {
		return fmt.Errorf("bundle user id is required")
	}

	oneTime := bundle.OneTimePreKeys
	if oneTime == nil {
		oneTime = []e2e.OneTimePreKeyPublic{}
	}
	static := bundle
	static.OneTimePreKeys = nil

	staticJSON, err := json.Marshal(static)
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	oneTimeJSON, err := json.Marshal(oneTime)
	if err != nil {
		return fmt.Errorf("encode one-time prekeys: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO key_bundles (user_id, bundle, one_time_pre_keys, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET bundle = EXCLUDED.bundle, one_time_pre_keys = EXCLUDED.one_time_pre_keys, updated_at = EXCLUDED.updated_at`,
		bundle.UserID, staticJSON, oneTimeJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert bundle: %w", err)
	}
	return nil
}

func (r *bundleRepo) Fetch(ctx context.Context, userID user.ID) (e2e.PreKeyBundle, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return e2e.PreKeyBundle{}, fmt.Errorf("begin fetch bundle: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT bundle, one_time_pre_keys
		FROM key_bundles WHERE user_id = $1 FOR UPDATE`, userID)
	var staticJSON, oneTimeJSON []byte
	if err := row.Scan(&staticJSON, &oneTimeJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e2e.PreKeyBundle{}, fmt.Errorf("%w: bundle for %s", e2e.ErrNotFound, userID)
		}
		return e2e.PreKeyBundle{}, fmt.Errorf("select bundle: %w", err)
	}

	var bundle e2e.PreKeyBundle
	if err := json.Unmarshal(staticJSON, &bundle); err != nil {
		return e2e.PreKeyBundle{}, fmt.Errorf("decode bundle: %w", err)
	}
	var oneTime []e2e.OneTimePreKeyPublic
	if err := json.Unmarshal(oneTimeJSON, &oneTime); err != nil {
		return e2e.PreKeyBundle{}, fmt.Errorf("decode one-time prekeys: %w", err)
	}

	// Serve at most one one-time prekey and remove it so it is never
	// handed out twice. An exhausted batch serves none.
	if len(oneTime) > 0 {
		bundle.OneTimePreKeys = []e2e.OneTimePreKeyPublic{oneTime[0]}
		remaining, err := json.Marshal(oneTime[1:])
		if err != nil {
			return e2e.PreKeyBundle{}, fmt.Errorf("encode remaining prekeys: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE key_bundles SET one_time_pre_keys = $2
			WHERE user_id = $1`, userID, remaining); err != nil {
			return e2e.PreKeyBundle{}, fmt.Errorf("pop one-time prekey: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return e2e.PreKeyBundle{}, fmt.Errorf("commit fetch bundle: %w", err)
	}
	return bundle, nil
}
