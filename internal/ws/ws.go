// Package ws hosts the live-connection hub and the router/fanout engine:
// it classifies each outbound message by target, persists it, and emits it
// to the set of connections joined to the resolved rooms.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MasterNumancs/Chat-App/internal/auth"
	"github.com/MasterNumancs/Chat-App/internal/chat"
	"github.com/MasterNumancs/Chat-App/internal/group"
	"github.com/MasterNumancs/Chat-App/internal/push"
	"github.com/MasterNumancs/Chat-App/internal/user"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

// room identifiers. One global public room, one room per group, one
// personal room per user.
type roomID string

func publicRoom() roomID            { return "public" }
func groupRoom(id group.ID) roomID  { return roomID("group:" + id) }
func userRoom(id user.ID) roomID    { return roomID("user:" + id) }

// GroupResolver supplies persisted group state; the hub re-validates
// membership from it instead of trusting client-asserted membership.
type GroupResolver interface {
	Get(ctx context.Context, id group.ID) (group.Group, error)
}

// PresenceTracker reports and records liveness.
type PresenceTracker interface {
	Connected(ctx context.Context, id user.ID)
	Disconnected(ctx context.Context, id user.ID)
	IsOnline(id user.ID) bool
}

// Notifier is the push fallback for offline recipients.
type Notifier interface {
	Notify(ctx context.Context, recipients []user.ID, note push.Notification)
}

type Hub struct {
	register   chan *Client
	unregister chan *Client
	incoming   chan incomingMessage

	clients map[*Client]struct{}
	rooms   map[roomID]map[*Client]struct{}

	messages chat.Repository
	groups   GroupResolver
	presence PresenceTracker
	notifier Notifier
}

func NewHub(messages chat.Repository, groups GroupResolver, presence PresenceTracker, notifier Notifier) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		incoming:   make(chan incomingMessage, 256),
		clients:    make(map[*Client]struct{}),
		rooms:      make(map[roomID]map[*Client]struct{}),
		messages:   messages,
		groups:     groups,
		presence:   presence,
		notifier:   notifier,
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				c.close(websocket.StatusGoingAway, "server shutdown")
			}
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			// Every connection lives in its owner's personal room so direct
			// messages reach all of the user's sessions.
			h.joinRoom(c, userRoom(c.session.UserID))
			if h.presence != nil {
				h.presence.Connected(ctx, c.session.UserID)
			}
		case c := <-h.unregister:
			if _, ok := h.clients[c]; !ok {
				continue
			}
			delete(h.clients, c)
			h.leaveAllRooms(c)
			if h.presence != nil {
				h.presence.Disconnected(ctx, c.session.UserID)
			}
			c.close(websocket.StatusNormalClosure, "bye")
		case msg := <-h.incoming:
			h.handleIncoming(ctx, msg)
		}
	}
}

func (h *Hub) joinRoom(c *Client, id roomID) {
	members, ok := h.rooms[id]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[id] = members
	}
	members[c] = struct{}{}
	c.rooms[id] = struct{}{}
}

func (h *Hub) leaveAllRooms(c *Client) {
	for id := range c.rooms {
		if members, ok := h.rooms[id]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, id)
			}
		}
	}
	c.rooms = make(map[roomID]struct{})
}

// emitToRooms sends the event to every connection in the union of rooms.
func (h *Hub) emitToRooms(event any, rooms ...roomID) {
	data, err := json.Marshal(event)
	if err != nil {
		logrus.WithError(err).Error("ws: encode event")
		return
	}
	seen := make(map[*Client]struct{})
	for _, id := range rooms {
		for c := range h.rooms[id] {
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			_ = c.Send(data)
		}
	}
}

// roomHasUser reports whether any connection of the user is joined to the room.
func (h *Hub) roomHasUser(id roomID, userID user.ID) bool {
	for c := range h.rooms[id] {
		if c.session.UserID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	validator, ok := r.Context().Value(authValidatorKey{}).(tokenValidator)
	if !ok || validator == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	session, err := authenticateRequest(r, validator)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	client := &Client{
		conn:    conn,
		hub:     h,
		ctx:     ctx,
		cancel:  cancel,
		send:    make(chan []byte, sendBuffer),
		session: session,
		rooms:   make(map[roomID]struct{}),
	}

	h.register <- client

	go client.writeLoop()
	client.readLoop()
}

// Client is one live websocket connection. Its identity is the immutable
// auth session produced when the connection authenticated.
type Client struct {
	conn      *websocket.Conn
	hub       *Hub
	ctx       context.Context
	cancel    context.CancelFunc
	send      chan []byte
	closeOnce sync.Once
	session   auth.Session
	rooms     map[roomID]struct{}
}

func (c *Client) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.hub.unregister <- c
	}()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid_message", "malformed json")
			continue
		}
		msg.Type = strings.TrimSpace(msg.Type)
		c.hub.incoming <- incomingMessage{client: c, msg: msg}
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				c.hub.unregister <- c
				return
			}
		}
	}
}

func (c *Client) close(status websocket.StatusCode, reason string) {
	// c.send is never closed: readLoop may still be trying to queue an
	// error event. Cancelling the context ends writeLoop instead.
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close(status, reason)
	})
}

func (c *Client) sendEvent(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = c.Send(data)
}

func (c *Client) sendError(code, message string) {
	c.sendEvent(errorEvent{Type: "error", Code: code, Message: message})
}

type incomingMessage struct {
	client *Client
	msg    inboundMessage
}

type tokenValidator interface {
	ValidateToken(token string) (auth.Session, error)
}

type authValidatorKey struct{}

func WithAuthValidator(next http.Handler, validator tokenValidator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), authValidatorKey{}, validator)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func authenticateRequest(r *http.Request, validator tokenValidator) (auth.Session, error) {
	if validator == nil {
		return auth.Session{}, auth.ErrUnauthorized
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return validator.ValidateToken(token)
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		parts := strings.Fields(header)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return auth.Session{}, auth.ErrUnauthorized
		}
		return validator.ValidateToken(parts[1])
	}
	return auth.Session{}, auth.ErrUnauthorized
}
