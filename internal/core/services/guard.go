package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatsync/internal/core/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var guardTracer = otel.Tracer("access-guard")

// AccessGuard decides whether an identity may subscribe to a room by asking
// the membership oracle. It is safe for concurrent use; the registry calls it
// off its event loop.
type AccessGuard struct {
	log     *slog.Logger
	oracle  domain.MembershipOracle
	timeout time.Duration
}

func NewAccessGuard(log *slog.Logger, oracle domain.MembershipOracle, timeout time.Duration) *AccessGuard {
	return &AccessGuard{log: log, oracle: oracle, timeout: timeout}
}

// Decide returns Allow, Deny, or Indeterminate when the oracle failed.
func (g *AccessGuard) Decide(ctx context.Context, identity domain.Identity, room domain.RoomKey) domain.AuthzDecision {
	ctx, span := guardTracer.Start(ctx, "AccessGuard.Decide", trace.WithAttributes(
		attribute.String("user_id", string(identity)),
		attribute.String("room", string(room)),
	))
	defer span.End()
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	decision, err := g.decide(ctx, identity, room)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "membership lookup failed")
		g.log.WarnContext(ctx, "guard - decide - membership lookup failed", "room", room, "user_id", identity, "err", err)
	}
	span.SetAttributes(attribute.String("decision", decision.String()))
	return decision
}

func (g *AccessGuard) decide(ctx context.Context, identity domain.Identity, room domain.RoomKey) (domain.AuthzDecision, error) {
	target := room.TargetID()
	switch room.Kind() {
	case domain.RoomChannel, domain.RoomVoice:
		serverID, err := g.oracle.ChannelServer(ctx, target)
		if err != nil {
			return lookupFailure(err)
		}
		return verdict(g.oracle.IsServerMember(ctx, identity, serverID))
	case domain.RoomServer:
		return verdict(g.oracle.IsServerMember(ctx, identity, target))
	case domain.RoomConversation:
		return verdict(g.oracle.IsConversationParty(ctx, identity, target))
	}
	return domain.Deny, fmt.Errorf("room %q: %w", room, domain.ErrInvalidRoom)
}

func verdict(ok bool, err error) (domain.AuthzDecision, error) {
	if err != nil {
		return lookupFailure(err)
	}
	if ok {
		return domain.Allow, nil
	}
	return domain.Deny, nil
}

func lookupFailure(err error) (domain.AuthzDecision, error) {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Deny, nil
	}
	return domain.Indeterminate, fmt.Errorf("%w: %w", domain.ErrTransientLookup, err)
}

// Resolve applies the fail-closed policy: only Allow admits. Indeterminate is
// denied for server-scoped rooms and for direct conversations alike.
func Resolve(d domain.AuthzDecision) error {
	switch d {
	case domain.Allow:
		return nil
	case domain.Indeterminate:
		return fmt.Errorf("%w: %w", domain.ErrAuthorization, domain.ErrTransientLookup)
	}
	return domain.ErrAuthorization
}
