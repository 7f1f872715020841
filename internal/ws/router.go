package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MasterNumancs/Chat-App/internal/chat"
	"github.com/MasterNumancs/Chat-App/internal/group"
	"github.com/MasterNumancs/Chat-App/internal/push"
	"github.com/MasterNumancs/Chat-App/internal/user"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type inboundMessage struct {
	Type       string          `json:"type"`
	TargetKind string          `json:"target_kind,omitempty"`
	GroupID    group.ID        `json:"group_id,omitempty"`
	PeerID     user.ID         `json:"peer_id,omitempty"`
	Text       string          `json:"text,omitempty"`
	Image      string          `json:"image,omitempty"`
	Envelope   json.RawMessage `json:"envelope,omitempty"`
}

type messageEvent struct {
	Type         string          `json:"type"`
	ID           string          `json:"id"`
	SenderID     user.ID         `json:"sender_id"`
	SenderName   string          `json:"sender_name"`
	SenderAvatar string          `json:"sender_avatar,omitempty"`
	TargetKind   string          `json:"target_kind"`
	GroupID      group.ID        `json:"group_id,omitempty"`
	PeerID       user.ID         `json:"peer_id,omitempty"`
	Text         string          `json:"text,omitempty"`
	Image        string          `json:"image,omitempty"`
	Envelope     json.RawMessage `json:"envelope,omitempty"`
	SentAt       string          `json:"sent_at"`
}

type joinEvent struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Hub) handleIncoming(ctx context.Context, incoming incomingMessage) {
	c, msg := incoming.client, incoming.msg
	switch msg.Type {
	case "join.public":
		h.handleJoinPublic(c)
	case "join.group":
		h.handleJoinGroup(ctx, c, msg.GroupID)
	case "join.direct":
		h.handleJoinDirect(c)
	case "message.send":
		h.handleSend(ctx, c, msg)
	default:
		c.sendError("unsupported_type", "unsupported message type")
	}
}

// Joins are processed on the hub goroutine in arrival order and acknowledged
// with a join.ok event, so a connection's own join strictly precedes any
// send it issues afterwards. Repeated joins are no-ops.

func (h *Hub) handleJoinPublic(c *Client) {
	h.joinRoom(c, publicRoom())
	c.sendEvent(joinEvent{Type: "join.ok", Room: string(publicRoom())})
}

func (h *Hub) handleJoinGroup(ctx context.Context, c *Client, id group.ID) {
	if id == "" {
		c.sendError("invalid_join", "group id is required")
		return
	}
	g, err := h.resolveGroup(ctx, id)
	if err != nil {
		c.sendError("invalid_join", "unknown group")
		return
	}
	if !g.HasMember(c.session.UserID) {
		c.sendError("forbidden", "not a group member")
		return
	}
	h.joinRoom(c, groupRoom(id))
	c.sendEvent(joinEvent{Type: "join.ok", Room: string(groupRoom(id))})
}

func (h *Hub) handleJoinDirect(c *Client) {
	// Already joined at registration; kept idempotent for reconnect flows.
	h.joinRoom(c, userRoom(c.session.UserID))
	c.sendEvent(joinEvent{Type: "join.ok", Room: string(userRoom(c.session.UserID))})
}

// handleSend runs the full routing pipeline: validate, persist, emit, then
// the async push fallback. Persistence failures abort the send with nothing
// emitted and the failure reported only to the sender.
func (h *Hub) handleSend(ctx context.Context, sender *Client, msg inboundMessage) {
	record, err := h.buildMessage(sender, msg)
	if err != nil {
		sender.sendError("invalid_message", "message rejected")
		return
	}

	var recipients []user.ID
	switch record.Target.Kind {
	case chat.TargetGroup:
		g, err := h.resolveGroup(ctx, record.Target.GroupID)
		if err != nil {
			sender.sendError("invalid_message", "unknown group")
			return
		}
		if !g.HasMember(sender.session.UserID) {
			sender.sendError("forbidden", "not a group member")
			return
		}
		recipients = g.Members
	case chat.TargetDirect:
		recipients = []user.ID{record.Target.PeerID}
	}

	if h.messages == nil {
		sender.sendError("server_error", "message storage unavailable")
		return
	}
	if err := h.messages.Save(ctx, record); err != nil {
		logrus.WithFields(logrus.Fields{
			"sender": record.SenderID,
			"target": record.Target.Kind,
		}).WithError(err).Error("router: persist failed")
		sender.sendError("server_error", "failed to store message")
		return
	}

	h.emitToRooms(eventFor(record), resolveRooms(record)...)
	h.schedulePush(ctx, record, recipients)
}

// buildMessage validates the inbound frame and produces the immutable
// message record. No side effects on rejection.
func (h *Hub) buildMessage(sender *Client, msg inboundMessage) (chat.Message, error) {
	var target chat.Target
	switch chat.TargetKind(msg.TargetKind) {
	case chat.TargetPublic:
		target = chat.PublicTarget()
	case chat.TargetGroup:
		target = chat.GroupTarget(msg.GroupID)
	case chat.TargetDirect:
		target = chat.DirectTarget(msg.PeerID)
	default:
		return chat.Message{}, chat.ErrInvalidMessage
	}

	var payload chat.Payload
	if len(msg.Envelope) > 0 {
		if msg.Text != "" || msg.Image != "" {
			return chat.Message{}, chat.ErrInvalidMessage
		}
		payload.Encrypted = &chat.EncryptedPayload{Envelope: msg.Envelope}
	} else {
		payload.Plain = &chat.PlainPayload{Text: msg.Text, Image: msg.Image}
	}

	record := chat.Message{
		ID:           chat.ID(uuid.NewString()),
		SenderID:     sender.session.UserID,
		SenderName:   sender.session.Username,
		SenderAvatar: sender.session.Avatar,
		Target:       target,
		Payload:      payload,
		SentAt:       time.Now().UTC(),
	}
	if err := record.Validate(); err != nil {
		return chat.Message{}, err
	}
	return record, nil
}

// resolveRooms maps a message's target to exactly one fan-out set.
func resolveRooms(msg chat.Message) []roomID {
	switch msg.Target.Kind {
	case chat.TargetPublic:
		return []roomID{publicRoom()}
	case chat.TargetGroup:
		return []roomID{groupRoom(msg.Target.GroupID)}
	case chat.TargetDirect:
		// Sender's own room too, so the sender's other sessions see the
		// sent message.
		return []roomID{userRoom(msg.SenderID), userRoom(msg.Target.PeerID)}
	}
	return nil
}

// schedulePush hands offline recipients to the push fallback. The decision
// of who is offline is taken on the hub goroutine; dispatch itself runs
// detached so one slow push endpoint cannot stall routing.
func (h *Hub) schedulePush(ctx context.Context, msg chat.Message, recipients []user.ID) {
	if h.notifier == nil || len(recipients) == 0 {
		return
	}

	offline := make([]user.ID, 0, len(recipients))
	for _, r := range recipients {
		if r == msg.SenderID {
			continue
		}
		if h.presence != nil && h.presence.IsOnline(r) {
			continue
		}
		offline = append(offline, r)
	}
	if len(offline) == 0 {
		return
	}

	note := push.PreviewFor(msg)
	go h.notifier.Notify(context.WithoutCancel(ctx), offline, note)
}

func (h *Hub) resolveGroup(ctx context.Context, id group.ID) (group.Group, error) {
	if h.groups == nil {
		return group.Group{}, errors.New("group resolver unavailable")
	}
	return h.groups.Get(ctx, id)
}

func eventFor(msg chat.Message) messageEvent {
	ev := messageEvent{
		Type:         "message.new",
		ID:           string(msg.ID),
		SenderID:     msg.SenderID,
		SenderName:   msg.SenderName,
		SenderAvatar: msg.SenderAvatar,
		TargetKind:   string(msg.Target.Kind),
		GroupID:      msg.Target.GroupID,
		PeerID:       msg.Target.PeerID,
		SentAt:       msg.SentAt.Format(time.RFC3339Nano),
	}
	if msg.Payload.Plain != nil {
		ev.Text = msg.Payload.Plain.Text
		ev.Image = msg.Payload.Plain.Image
	}
	if msg.Payload.Encrypted != nil {
		ev.Envelope = msg.Payload.Encrypted.Envelope
	}
	return ev
}
