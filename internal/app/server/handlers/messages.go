package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"chatsync/internal/core/domain"
	"chatsync/internal/core/services"
	"chatsync/pkg/logging"
	"chatsync/pkg/middleware"
)

// RoomDecider is the access check applied before any history read or post.
type RoomDecider interface {
	Decide(ctx context.Context, identity domain.Identity, room domain.RoomKey) domain.AuthzDecision
}

type MessageHandler struct {
	messages services.IMessageService
	guard    RoomDecider
}

func NewMessageHandler(messages services.IMessageService, guard RoomDecider) *MessageHandler {
	return &MessageHandler{messages: messages, guard: guard}
}

// List serves GET /messages?channelId=|conversationId=&cursor=&limit=.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	identity, _ := middleware.IdentityFromContext(r.Context())
	q := r.URL.Query()
	room, err := roomFromIDs(q.Get("channelId"), q.Get("conversationId"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}
	if err := services.Resolve(h.guard.Decide(r.Context(), identity, room)); err != nil {
		writeError(w, err)
		return
	}
	page, err := h.messages.GetPage(r.Context(), room, q.Get("cursor"), limit)
	if err != nil {
		log.WarnContext(r.Context(), "message handler - list - get page failed", logging.Room(string(room)), "err", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Create serves POST /messages.
func (h *MessageHandler) Create(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	identity, _ := middleware.IdentityFromContext(r.Context())
	var req struct {
		Content        string  `json:"content"`
		ChannelID      string  `json:"channelId"`
		ConversationID string  `json:"conversationId"`
		ReplyToID      *string `json:"replyToId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	room, err := roomFromIDs(req.ChannelID, req.ConversationID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := services.Resolve(h.guard.Decide(r.Context(), identity, room)); err != nil {
		writeError(w, err)
		return
	}
	msg, err := h.messages.Create(r.Context(), domain.NewMessage{
		Room:      room,
		UserID:    string(identity),
		Content:   req.Content,
		ReplyToID: req.ReplyToID,
	})
	if err != nil {
		log.WarnContext(r.Context(), "message handler - create - failed", logging.Room(string(room)), "err", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// Update serves PATCH /messages/{id}.
func (h *MessageHandler) Update(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFromContext(r.Context())
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	msg, err := h.messages.Update(r.Context(), identity, r.PathValue("id"), req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// Delete serves DELETE /messages/{id}.
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	identity, _ := middleware.IdentityFromContext(r.Context())
	if err := h.messages.Delete(r.Context(), identity, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func roomFromIDs(channelID, conversationID string) (domain.RoomKey, error) {
	switch {
	case channelID != "" && conversationID != "":
		return "", errors.New("exactly one of channelId or conversationId is required")
	case channelID != "":
		return domain.NewRoomKey(domain.RoomChannel, channelID)
	case conversationID != "":
		return domain.NewRoomKey(domain.RoomConversation, conversationID)
	}
	return "", errors.New("channelId or conversationId is required")
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrAuthentication):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrAuthorization), errors.Is(err, domain.ErrNotMessageAuthor):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidCursor), errors.Is(err, domain.ErrInvalidRoom),
		errors.Is(err, domain.ErrEmptyMessage), errors.Is(err, domain.ErrMessageTooLong):
		status = http.StatusBadRequest
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	http.Error(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
