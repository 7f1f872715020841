// Package push implements the best-effort offline notification fallback.
// Delivery is fire-and-forget per recipient; a terminal "gone" response
// prunes the subscription, any other failure is logged and dropped.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/MasterNumancs/Chat-App/internal/user"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	// ErrGone marks a terminal push failure: the subscription is permanently
	// invalid and must be deleted.
	ErrGone = errors.New("subscription gone")
)

type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is one push channel per user, overwritten on refresh.
type Subscription struct {
	UserID   user.ID `json:"userId"`
	Endpoint string  `json:"endpoint"`
	Keys     Keys    `json:"keys"`
}

type Repository interface {
	Save(ctx context.Context, sub Subscription) error
	Get(ctx context.Context, userID user.ID) (Subscription, error)
	Delete(ctx context.Context, userID user.ID) error
}

// Dispatcher delivers one payload to one subscription.
type Dispatcher interface {
	Dispatch(ctx context.Context, sub Subscription, payload []byte) error
}

// Notification is the redacted preview shown by the recipient's service
// worker. Body never contains plaintext-equivalent content for an encrypted
// channel.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon,omitempty"`
}

type Service struct {
	repo       Repository
	dispatcher Dispatcher
}

func NewService(repo Repository, dispatcher Dispatcher) *Service {
	return &Service{repo: repo, dispatcher: dispatcher}
}

func (s *Service) Register(ctx context.Context, sub Subscription) error {
	if s.repo == nil {
		return errors.New("repository is required")
	}
	if sub.UserID == "" || sub.Endpoint == "" {
		return ErrInvalidInput
	}
	return s.repo.Save(ctx, sub)
}

// Notify fans the notification out to every recipient, one goroutine each.
// A recipient without a subscription is skipped without contacting the push
// channel. Failures are isolated per recipient and never surfaced upstream.
func (s *Service) Notify(ctx context.Context, recipients []user.ID, note Notification) {
	if s.repo == nil || s.dispatcher == nil || len(recipients) == 0 {
		return
	}

	payload, err := json.Marshal(note)
	if err != nil {
		logrus.WithError(err).Error("push: encode notification")
		return
	}

	var wg sync.WaitGroup
	for _, recipient := range recipients {
		wg.Add(1)
		go func(recipient user.ID) {
			defer wg.Done()
			s.notifyOne(ctx, recipient, payload)
		}(recipient)
	}
	wg.Wait()
}

func (s *Service) notifyOne(ctx context.Context, recipient user.ID, payload []byte) {
	sub, err := s.repo.Get(ctx, recipient)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logrus.WithField("user_id", recipient).WithError(err).Warn("push: load subscription")
		}
		return
	}

	err = s.dispatcher.Dispatch(ctx, sub, payload)
	switch {
	case err == nil:
	case errors.Is(err, ErrGone):
		if delErr := s.repo.Delete(ctx, recipient); delErr != nil {
			logrus.WithField("user_id", recipient).WithError(delErr).Warn("push: prune subscription")
			return
		}
		logrus.WithField("user_id", recipient).Info("push: pruned gone subscription")
	default:
		logrus.WithField("user_id", recipient).WithError(err).Warn("push: dispatch failed")
	}
}
