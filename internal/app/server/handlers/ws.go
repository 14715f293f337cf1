package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"

	"chatsync/internal/app/server/ws"
	"chatsync/internal/core/contracts"
	"chatsync/internal/core/domain"
	"chatsync/pkg/logging"
	"chatsync/pkg/middleware"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type WSHandler struct {
	log        *slog.Logger
	hub        contracts.Registry
	upgrader   websocket.Upgrader
	sendBuffer int
}

// NewWSHandler builds the upgrade endpoint. With no allowed origins the
// upgrader's same-host check applies; "*" admits any origin.
func NewWSHandler(log *slog.Logger, hub contracts.Registry, allowedOrigins []string, sendBuffer int) *WSHandler {
	h := &WSHandler{
		log:        log,
		hub:        hub,
		sendBuffer: sendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	if len(allowedOrigins) > 0 {
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
		}
	}
	return h
}

func (s *WSHandler) Handler(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	span := trace.SpanFromContext(r.Context())
	identity, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		log.ErrorContext(r.Context(), "ws handler - unauthorised missing user_id")
		http.Error(w, "Unauthorized: User ID missing", http.StatusUnauthorized)
		return
	}
	span.SetAttributes(attribute.String("user.id", string(identity)))
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the HTTP error
		log.WarnContext(r.Context(), "ws handler - upgrade - ws upgrade failed", "err", err)
		return
	}
	socket := ws.NewWebSocket(context.WithoutCancel(r.Context()), log, conn)
	client := ws.NewClient(socket, log, identity, s.sendBuffer)
	sessionCtx, connLog := logging.With(context.WithoutCancel(r.Context()),
		logging.Conn(string(client.ConnID())), logging.Identity(string(identity)))
	span.SetAttributes(attribute.String("chat.conn_id", string(client.ConnID())))

	if err := s.hub.Connect(client); err != nil {
		connLog.ErrorContext(sessionCtx, "ws handler - register - registry unavailable", "err", err)
		client.Close()
		return
	}
	defer s.hub.Disconnect(client)
	defer client.Close()
	connLog.InfoContext(sessionCtx, "ws handler - ws connection established")

	socket.ReadLoop(func(data []byte) {
		in, err := domain.Decode(data)
		if err != nil {
			connLog.DebugContext(sessionCtx, "ws handler - decode - rejected frame", "err", err)
			s.reject(client, err)
			return
		}
		s.hub.Dispatch(client, in)
	})
	connLog.InfoContext(sessionCtx, "ws handler - ws connection closed")
}

func (s *WSHandler) reject(c contracts.Client, err error) {
	code := domain.CodeMalformed
	if errors.Is(err, domain.ErrUnknownEvent) {
		code = domain.CodeUnknownEvent
	}
	frame, encErr := domain.Encode(domain.EventError, domain.ErrorFrame{Code: code, Message: err.Error()})
	if encErr != nil {
		return
	}
	if !c.Send(frame) {
		c.Close()
	}
}
