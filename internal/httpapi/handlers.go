// Package httpapi exposes the REST surface: auth, directory data, chat
// history queries, prekey bundles, and push subscriptions.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MasterNumancs/Chat-App/internal/auth"
	"github.com/MasterNumancs/Chat-App/internal/chat"
	"github.com/MasterNumancs/Chat-App/internal/e2e"
	"github.com/MasterNumancs/Chat-App/internal/group"
	"github.com/MasterNumancs/Chat-App/internal/push"
	"github.com/MasterNumancs/Chat-App/internal/user"
	"github.com/sirupsen/logrus"
)

const (
	maxBodyBytes = 1 << 20
	timeLayout   = time.RFC3339Nano

	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

type Handler struct {
	auth     *auth.Service
	users    *user.Service
	groups   *group.Service
	messages chat.Repository
	bundles  e2e.Directory
	push     *push.Service
	presence PresenceProvider
}

type PresenceProvider interface {
	IsOnline(userID user.ID) bool
}

func NewHandler(auth *auth.Service, users *user.Service, groups *group.Service, messages chat.Repository, bundles e2e.Directory, pushSvc *push.Service, presence PresenceProvider) *Handler {
	return &Handler{
		auth:     auth,
		users:    users,
		groups:   groups,
		messages: messages,
		bundles:  bundles,
		push:     pushSvc,
		presence: presence,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/auth/register", h.handleRegister)
	mux.HandleFunc("/auth/login", h.handleLogin)
	mux.HandleFunc("/users", h.handleUsers)
	mux.HandleFunc("/groups", h.handleGroups)
	mux.HandleFunc("/groups/members", h.handleGroupMembers)
	mux.HandleFunc("/chats", h.handleChats)
	mux.HandleFunc("/keys/bundles", h.handleBundles)
	mux.HandleFunc("/push/subscriptions", h.handlePushSubscriptions)
}

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Token     string  `json:"token"`
	UserID    user.ID `json:"user_id"`
	Username  string  `json:"username"`
	Avatar    string  `json:"avatar"`
	ExpiresAt string  `json:"expires_at"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req authRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	created, session, err := h.auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, user.ErrUsernameTaken):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, user.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, authResponse{
		Token:     session.Token,
		UserID:    created.ID,
		Username:  session.Username,
		Avatar:    session.Avatar,
		ExpiresAt: session.ExpiresAt.UTC().Format(timeLayout),
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req authRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	logged, session, err := h.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUnauthorized):
			writeError(w, http.StatusUnauthorized, err)
		case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, user.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		Token:     session.Token,
		UserID:    logged.ID,
		Username:  session.Username,
		Avatar:    session.Avatar,
		ExpiresAt: session.ExpiresAt.UTC().Format(timeLayout),
	})
}

func (h *Handler) authenticate(r *http.Request) (auth.Session, error) {
	if h.auth == nil {
		return auth.Session{}, auth.ErrUnauthorized
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		parts := strings.Fields(header)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return h.auth.ValidateToken(parts[1])
		}
	}
	return auth.Session{}, auth.ErrUnauthorized
}

type userResponse struct {
	ID       user.ID     `json:"id"`
	Username string      `json:"username"`
	Avatar   string      `json:"avatar"`
	Status   user.Status `json:"status"`
	Online   bool        `json:"online"`
}

type listUsersResponse struct {
	Users []userResponse `json:"users"`
}

func (h *Handler) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if _, err := h.authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	users, err := h.users.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := listUsersResponse{Users: make([]userResponse, 0, len(users))}
	for _, u := range users {
		online := false
		if h.presence != nil {
			online = h.presence.IsOnline(u.ID)
		}
		resp.Users = append(resp.Users, userResponse{
			ID:       u.ID,
			Username: u.Username,
			Avatar:   u.Avatar,
			Status:   u.Status,
			Online:   online,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type createGroupRequest struct {
	Name    string    `json:"name"`
	Members []user.ID `json:"members"`
}

type groupResponse struct {
	ID        group.ID  `json:"id"`
	Name      string    `json:"name"`
	Members   []user.ID `json:"members"`
	CreatedBy user.ID   `json:"created_by"`
	CreatedAt string    `json:"created_at"`
}

type listGroupsResponse struct {
	Groups []groupResponse `json:"groups"`
}

func toGroupResponse(g group.Group) groupResponse {
	return groupResponse{
		ID:        g.ID,
		Name:      g.Name,
		Members:   g.Members,
		CreatedBy: g.CreatedBy,
		CreatedAt: g.CreatedAt.UTC().Format(timeLayout),
	}
}

func (h *Handler) handleGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	session, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	if r.Method == http.MethodGet {
		groups, err := h.groups.ListForUser(r.Context(), session.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp := listGroupsResponse{Groups: make([]groupResponse, 0, len(groups))}
		for _, g := range groups {
			resp.Groups = append(resp.Groups, toGroupResponse(g))
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	var req createGroupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	created, err := h.groups.Create(r.Context(), session.UserID, req.Name, req.Members)
	if err != nil {
		if errors.Is(err, group.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, toGroupResponse(created))
}

type groupMembersRequest struct {
	GroupID group.ID  `json:"group_id"`
	Members []user.ID `json:"members,omitempty"`
	Member  user.ID   `json:"member,omitempty"`
}

func (h *Handler) handleGroupMembers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	session, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	var req groupMembersRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var updated group.Group
	if r.Method == http.MethodPut {
		updated, err = h.groups.AddMembers(r.Context(), req.GroupID, session.UserID, req.Members)
	} else {
		updated, err = h.groups.RemoveMember(r.Context(), req.GroupID, session.UserID, req.Member)
	}
	if err != nil {
		switch {
		case errors.Is(err, group.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, group.ErrForbidden):
			writeError(w, http.StatusForbidden, err)
		case errors.Is(err, group.ErrNotFound):
			writeError(w, http.StatusNotFound, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, toGroupResponse(updated))
}

type messageResponse struct {
	ID           chat.ID         `json:"id"`
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

type listMessagesResponse struct {
	Messages []messageResponse `json:"messages"`
}

func toMessageResponse(msg chat.Message) messageResponse {
	resp := messageResponse{
		ID:           msg.ID,
		SenderID:     msg.SenderID,
		SenderName:   msg.SenderName,
		SenderAvatar: msg.SenderAvatar,
		TargetKind:   string(msg.Target.Kind),
		GroupID:      msg.Target.GroupID,
		PeerID:       msg.Target.PeerID,
		SentAt:       msg.SentAt.UTC().Format(timeLayout),
	}
	if msg.Payload.Plain != nil {
		resp.Text = msg.Payload.Plain.Text
		resp.Image = msg.Payload.Plain.Image
	}
	if msg.Payload.Encrypted != nil {
		resp.Envelope = msg.Payload.Encrypted.Envelope
	}
	return resp
}

// handleChats serves conversation history.
// GET /chats?kind=public|group|direct&group_id=<id>&peer_id=<id>&limit=<n>
func (h *Handler) handleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	session, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var msgs []chat.Message
	switch chat.TargetKind(r.URL.Query().Get("kind")) {
	case chat.TargetPublic:
		msgs, err = h.messages.ListPublic(r.Context(), limit)
	case chat.TargetGroup:
		groupID := group.ID(strings.TrimSpace(r.URL.Query().Get("group_id")))
		if groupID == "" {
			writeError(w, http.StatusBadRequest, errors.New("group_id query parameter is required"))
			return
		}
		member, memberErr := h.groups.IsMember(r.Context(), groupID, session.UserID)
		if memberErr != nil {
			if errors.Is(memberErr, group.ErrNotFound) {
				writeError(w, http.StatusNotFound, memberErr)
				return
			}
			writeError(w, http.StatusInternalServerError, memberErr)
			return
		}
		if !member {
			writeError(w, http.StatusForbidden, errors.New("not a group member"))
			return
		}
		msgs, err = h.messages.ListGroup(r.Context(), groupID, limit)
	case chat.TargetDirect:
		peerID := user.ID(strings.TrimSpace(r.URL.Query().Get("peer_id")))
		if peerID == "" {
			writeError(w, http.StatusBadRequest, errors.New("peer_id query parameter is required"))
			return
		}
		msgs, err = h.messages.ListDirect(r.Context(), session.UserID, peerID, limit)
	default:
		writeError(w, http.StatusBadRequest, errors.New("kind must be public, group, or direct"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := listMessagesResponse{Messages: make([]messageResponse, 0, len(msgs))}
	for _, msg := range msgs {
		resp.Messages = append(resp.Messages, toMessageResponse(msg))
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBundles publishes the caller's prekey bundle (PUT) or fetches a
// peer's (GET). A fetch consumes one of the peer's one-time prekeys.
func (h *Handler) handleBundles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	session, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	if r.Method == http.MethodPut {
		var bundle e2e.PreKeyBundle
		if err := decodeJSON(w, r, &bundle); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if bundle.UserID != session.UserID {
			writeError(w, http.StatusForbidden, errors.New("cannot publish a bundle for another user"))
			return
		}
		if err := h.bundles.Publish(r.Context(), bundle); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
		return
	}

	userID := user.ID(strings.TrimSpace(r.URL.Query().Get("user_id")))
	if userID == "" {
		writeError(w, http.StatusBadRequest, errors.New("user_id query parameter is required"))
		return
	}

	bundle, err := h.bundles.Fetch(r.Context(), userID)
	if err != nil {
		if errors.Is(err, e2e.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

type pushSubscriptionRequest struct {
	Endpoint string    `json:"endpoint"`
	Keys     push.Keys `json:"keys"`
}

func (h *Handler) handlePushSubscriptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.push == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("push is not configured"))
		return
	}

	session, err := h.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	var req pushSubscriptionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sub := push.Subscription{
		UserID:   session.UserID,
		Endpoint: req.Endpoint,
		Keys:     req.Keys,
	}
	if err := h.push.Register(r.Context(), sub); err != nil {
		if errors.Is(err, push.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("multiple json objects are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	logrus.WithField("status", status).WithError(err).Warn("httpapi: request failed")
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
