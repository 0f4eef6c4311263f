package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"quadchat/internal/auth"
	"quadchat/internal/broker"
	"quadchat/internal/content"
	"quadchat/internal/models"
	"quadchat/internal/push"
)

// Storage is the slice of persistence the REST handlers need.
type Storage interface {
	UpsertUser(peer models.Peer, lastSeen int64) error
	ListConversations(userID string) ([]models.Conversation, error)
	ListMessages(userA, userB string) ([]models.Message, error)
	MarkRead(userID, peerID string) error
	UnreadCount(userID string) (int, error)
}

type API struct {
	auth     *auth.Service
	hub      *broker.Hub
	storage  Storage
	notifier *push.Notifier
}

func New(auth *auth.Service, hub *broker.Hub, storage Storage, notifier *push.Notifier) *API {
	return &API{auth: auth, hub: hub, storage: storage, notifier: notifier}
}

type SessionRequest struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type SessionResponse struct {
	Token string `json:"token"`
}

// SessionHandler stands in for the external identity service: it mints a
// bearer token for a user and records the user in the directory. In a real
// deployment the platform's auth service calls this, not the browser.
func (a *API) SessionHandler(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	peer := models.Peer{ID: req.UserID, DisplayName: content.Sanitize(strings.TrimSpace(req.DisplayName))}
	if err := a.storage.UpsertUser(peer, time.Now().UnixMilli()); err != nil {
		slog.Error("failed to persist user", "user_id", req.UserID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	token, err := a.auth.Issue(req.UserID)
	if err != nil {
		slog.Error("failed to issue token", "user_id", req.UserID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, SessionResponse{Token: token})
}

// RequireAuth wraps a handler with bearer-token verification and passes the
// resolved user id through the request header.
func (a *API) RequireAuth(next func(w http.ResponseWriter, r *http.Request, userID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.GetUserID(getToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, userID)
	}
}

// ConversationsHandler returns the caller's conversation directory.
func (a *API) ConversationsHandler(w http.ResponseWriter, r *http.Request, userID string) {
	conversations, err := a.storage.ListConversations(userID)
	if err != nil {
		slog.Error("failed to list conversations", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, conversations)
}

// MessagesHandler returns the full history with one peer.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request, userID string) {
	peerID := r.PathValue("peerId")
	if peerID == "" {
		http.Error(w, "peerId is required", http.StatusBadRequest)
		return
	}
	messages, err := a.storage.ListMessages(userID, peerID)
	if err != nil {
		slog.Error("failed to list messages", "user_id", userID, "peer_id", peerID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, messages)
}

type SendErrorResponse struct {
	Reason string `json:"reason"`
}

// SendHandler is the HTTP fallback for message delivery. It shares the
// hub's dispatch path so recipients are reached the same way regardless of
// which route the sender used.
func (a *API) SendHandler(w http.ResponseWriter, r *http.Request, userID string) {
	var req models.SendMessage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, SendErrorResponse{Reason: models.ReasonInvalid})
		return
	}

	msg, err := a.hub.Send(userID, req)
	switch {
	case err == nil:
		writeJSON(w, msg)
	case errors.Is(err, broker.ErrEmptyContent):
		writeJSONStatus(w, http.StatusBadRequest, SendErrorResponse{Reason: models.ReasonInvalid})
	case errors.Is(err, models.ErrNotFound):
		writeJSONStatus(w, http.StatusNotFound, SendErrorResponse{Reason: models.ReasonPeerNotFound})
	default:
		slog.Error("send failed", "user_id", userID, "error", err)
		writeJSONStatus(w, http.StatusInternalServerError, SendErrorResponse{Reason: models.ReasonInternal})
	}
}

// MarkReadHandler clears the caller's unread state for one conversation.
func (a *API) MarkReadHandler(w http.ResponseWriter, r *http.Request, userID string) {
	peerID := r.PathValue("peerId")
	if peerID == "" {
		http.Error(w, "peerId is required", http.StatusBadRequest)
		return
	}
	if err := a.storage.MarkRead(userID, peerID); err != nil {
		slog.Error("failed to mark read", "user_id", userID, "peer_id", peerID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type UnreadCountResponse struct {
	Count int `json:"count"`
}

// UnreadCountHandler returns the caller's total unread count.
func (a *API) UnreadCountHandler(w http.ResponseWriter, r *http.Request, userID string) {
	count, err := a.storage.UnreadCount(userID)
	if err != nil {
		slog.Error("failed to count unread", "user_id", userID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, UnreadCountResponse{Count: count})
}

// PushSubscriptionHandler stores the caller's Web Push subscription for
// offline notifications.
func (a *API) PushSubscriptionHandler(w http.ResponseWriter, r *http.Request, userID string) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 16*1024))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.notifier.Subscribe(userID, raw); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func getToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if t := r.Header.Get("token"); t != "" {
		return t
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}
