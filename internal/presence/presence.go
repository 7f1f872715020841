// Package presence tracks which users currently hold at least one live
// connection. It is consulted by the push fallback to skip online users and
// writes coarse online/offline status through the user repository.
package presence

import (
	"context"
	"sync"

	"github.com/MasterNumancs/Chat-App/internal/user"
	"github.com/sirupsen/logrus"
)

// StatusWriter persists a user's presence status.
type StatusWriter interface {
	SetStatus(ctx context.Context, id user.ID, status user.Status) error
}

type Tracker struct {
	mu     sync.Mutex
	conns  map[user.ID]int
	status StatusWriter
}

func NewTracker(status StatusWriter) *Tracker {
	return &Tracker{
		conns:  make(map[user.ID]int),
		status: status,
	}
}

// Connected records a new connection for the user. The first connection
// flips the persisted status to online.
func (t *Tracker) Connected(ctx context.Context, id user.ID) {
	if id == "" {
		return
	}
	t.mu.Lock()
	t.conns[id]++
	first := t.conns[id] == 1
	t.mu.Unlock()

	if first {
		t.setStatus(ctx, id, user.StatusOnline)
	}
}

// Disconnected records a closed connection. The last connection flips the
// persisted status to offline.
func (t *Tracker) Disconnected(ctx context.Context, id user.ID) {
	if id == "" {
		return
	}
	t.mu.Lock()
	if _, ok := t.conns[id]; !ok {
		t.mu.Unlock()
		return
	}
	t.conns[id]--
	last := t.conns[id] == 0
	if last {
		delete(t.conns, id)
	}
	t.mu.Unlock()

	if last {
		t.setStatus(ctx, id, user.StatusOffline)
	}
}

func (t *Tracker) IsOnline(id user.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[id] > 0
}

func (t *Tracker) setStatus(ctx context.Context, id user.ID, status user.Status) {
	if t.status == nil {
		return
	}
	if err := t.status.SetStatus(ctx, id, status); err != nil {
		logrus.WithFields(logrus.Fields{
			"user_id": id,
			"status":  status,
		}).WithError(err).Warn("presence: status update failed")
	}
}
