// Package chat defines the message domain: conversation targets, payload
// variants, and the append-only message log contract.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MasterNumancs/Chat-App/internal/group"
	"github.com/MasterNumancs/Chat-App/internal/user"
)

type ID string

// TargetKind classifies where a message is addressed.
type TargetKind string

const (
	TargetPublic TargetKind = "public"
	TargetGroup  TargetKind = "group"
	TargetDirect TargetKind = "direct"
)

// Target is a tagged variant: exactly one of GroupID / PeerID is set for the
// group and direct kinds, neither for public. The target determines both the
// fan-out set and encryption eligibility.
type Target struct {
	Kind    TargetKind
	GroupID group.ID
	PeerID  user.ID
}

func PublicTarget() Target            { return Target{Kind: TargetPublic} }
func GroupTarget(id group.ID) Target  { return Target{Kind: TargetGroup, GroupID: id} }
func DirectTarget(id user.ID) Target  { return Target{Kind: TargetDirect, PeerID: id} }

// EncryptionEligible reports whether this target may carry encrypted
// payloads. Only direct 1:1 channels qualify.
func (t Target) EncryptionEligible() bool {
	return t.Kind == TargetDirect
}

func (t Target) Validate() error {
	switch t.Kind {
	case TargetPublic:
		if t.GroupID != "" || t.PeerID != "" {
			return fmt.Errorf("%w: public target carries an id", ErrInvalidMessage)
		}
	case TargetGroup:
		if t.GroupID == "" || t.PeerID != "" {
			return fmt.Errorf("%w: group target requires exactly a group id", ErrInvalidMessage)
		}
	case TargetDirect:
		if t.PeerID == "" || t.GroupID != "" {
			return fmt.Errorf("%w: direct target requires exactly a peer id", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown target kind %q", ErrInvalidMessage, t.Kind)
	}
	return nil
}

// PlainPayload is cleartext content: text, an image (data URL), or both.
type PlainPayload struct {
	Text  string
	Image string
}

func (p PlainPayload) Empty() bool {
	return p.Text == "" && p.Image == ""
}

// EncryptedPayload carries an opaque ratchet envelope. The router stores and
// forwards it without ever inspecting the contents.
type EncryptedPayload struct {
	Envelope []byte
}

// Payload is a tagged variant: exactly one of Plain / Encrypted is set.
type Payload struct {
	Plain     *PlainPayload
	Encrypted *EncryptedPayload
}

func (p Payload) Validate(target Target) error {
	switch {
	case p.Plain != nil && p.Encrypted != nil:
		return fmt.Errorf("%w: both plain and encrypted payloads set", ErrInvalidMessage)
	case p.Plain != nil:
		if p.Plain.Empty() {
			return fmt.Errorf("%w: empty payload", ErrInvalidMessage)
		}
	case p.Encrypted != nil:
		if len(p.Encrypted.Envelope) == 0 {
			return fmt.Errorf("%w: empty envelope", ErrInvalidMessage)
		}
		if !target.EncryptionEligible() {
			return fmt.Errorf("%w: encrypted payload on a %s target", ErrInvalidMessage, target.Kind)
		}
	default:
		return fmt.Errorf("%w: empty payload", ErrInvalidMessage)
	}
	return nil
}

// Message is immutable once persisted. SenderName and SenderAvatar are
// denormalized for rendering, matching the persisted log's shape.
type Message struct {
	ID           ID
	SenderID     user.ID
	SenderName   string
	SenderAvatar string
	Target       Target
	Payload      Payload
	SentAt       time.Time
}

func (m Message) Validate() error {
	if m.SenderID == "" {
		return fmt.Errorf("%w: sender is required", ErrInvalidMessage)
	}
	if err := m.Target.Validate(); err != nil {
		return err
	}
	return m.Payload.Validate(m.Target)
}

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrNotFound       = errors.New("not found")
)

// Repository is the append-only message log. Save must be durable before the
// router emits anything.
type Repository interface {
	Save(ctx context.Context, msg Message) error
	ListPublic(ctx context.Context, limit int) ([]Message, error)
	ListGroup(ctx context.Context, groupID group.ID, limit int) ([]Message, error)
	ListDirect(ctx context.Context, a, b user.ID, limit int) ([]Message, error)
}
