package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"chatsync/internal/core/contracts"
	"chatsync/internal/core/domain"
	"chatsync/internal/core/services"
	"chatsync/pkg/logging"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("registry")

// ErrStopped is returned once the registry no longer accepts commands.
var ErrStopped = errors.New("registry stopped")

// AccessDecider is the part of the access guard the registry depends on.
type AccessDecider interface {
	Decide(ctx context.Context, identity domain.Identity, room domain.RoomKey) domain.AuthzDecision
}

type Options struct {
	TypingExpiry    time.Duration
	SweepInterval   time.Duration
	VoiceCapacity   int
	VoiceSingleRoom bool
	Now             func() time.Time
}

// Registry is the single writer of all realtime state. Every mutation runs as
// a command on the loop goroutine started by Start; callers on other
// goroutines only post commands. Membership lookups run off the loop and post
// their outcome back.
type Registry struct {
	log    *slog.Logger
	guard  AccessDecider
	mirror contracts.PresenceMirror

	presence *services.PresenceRegistry
	typing   *services.TypingEngine
	voice    *services.VoiceRelay

	clients map[domain.ConnID]contracts.Client
	rooms   map[domain.RoomKey]map[domain.ConnID]struct{}
	joined  map[domain.ConnID]map[domain.RoomKey]struct{}
	pending map[domain.ConnID]map[domain.RoomKey]*pendingJoin
	joinSeq uint64
	signals map[domain.SignalKind]int

	now   func() time.Time
	sweep time.Duration

	cmds     chan func()
	mirrorOp chan func(context.Context)
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
	start    sync.Once
	stop     sync.Once
	running  atomic.Bool
}

var _ contracts.Registry = (*Registry)(nil)

// NewRegistry builds a registry; mirror may be nil.
func NewRegistry(log *slog.Logger, guard AccessDecider, mirror contracts.PresenceMirror, opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		log:      log,
		guard:    guard,
		mirror:   mirror,
		presence: services.NewPresenceRegistry(),
		typing:   services.NewTypingEngine(opts.TypingExpiry),
		voice:    services.NewVoiceRelay(opts.VoiceCapacity, opts.VoiceSingleRoom),
		clients:  make(map[domain.ConnID]contracts.Client),
		rooms:    make(map[domain.RoomKey]map[domain.ConnID]struct{}),
		joined:   make(map[domain.ConnID]map[domain.RoomKey]struct{}),
		pending:  make(map[domain.ConnID]map[domain.RoomKey]*pendingJoin),
		signals:  make(map[domain.SignalKind]int),
		now:      opts.Now,
		sweep:    opts.SweepInterval,
		cmds:     make(chan func(), 256),
		mirrorOp: make(chan func(context.Context), 1024),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start launches the event loop and the presence mirror writer.
func (r *Registry) Start() {
	r.start.Do(func() {
		r.running.Store(true)
		r.wg.Add(1)
		go r.loop()
		if r.mirror != nil {
			r.wg.Add(1)
			go r.mirrorLoop()
		}
		r.log.Info("registry - start - loop running", "typing_sweep", r.sweep, "voice_capacity", r.voice.Capacity())
	})
}

// Stop closes every connection and waits for the loop to exit.
func (r *Registry) Stop(ctx context.Context) error {
	r.stop.Do(func() {
		if !r.running.Load() {
			r.cancel()
			return
		}
		_ = r.do(func() {
			for _, c := range r.clients {
				c.Close()
			}
		})
		r.cancel()
	})
	finished := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		r.log.Info("registry - stop - loop exited")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) loop() {
	defer r.wg.Done()
	defer close(r.done)
	ticker := time.NewTicker(r.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case fn := <-r.cmds:
			fn()
		case <-ticker.C:
			r.expireTyping()
		}
	}
}

// post queues fn without waiting for it to run.
func (r *Registry) post(fn func()) bool {
	if !r.running.Load() {
		return false
	}
	select {
	case r.cmds <- fn:
		return true
	case <-r.done:
		return false
	case <-r.ctx.Done():
		return false
	}
}

// do runs fn on the loop and waits for it.
func (r *Registry) do(fn func()) error {
	ran := make(chan struct{})
	if !r.post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-r.done:
		return ErrStopped
	}
}

// Connect admits an authenticated client and announces it.
func (r *Registry) Connect(c contracts.Client) error {
	return r.do(func() {
		id, identity := c.ConnID(), c.Identity()
		r.clients[id] = c
		r.joined[id] = make(map[domain.RoomKey]struct{})
		wentOnline := r.presence.Connect(identity, id)

		r.send(c, domain.EventConnected, domain.Connected{ConnectionID: id, Identity: identity})
		r.send(c, domain.EventOnlineUsers, domain.OnlineUsers{Identities: r.presence.Online()})
		if wentOnline {
			r.broadcastAll(id, domain.EventUserStatusChange, domain.StatusChange{Identity: identity, Status: domain.StatusOnline})
			r.mirrorAsync(func(ctx context.Context) error { return r.mirror.MarkOnline(ctx, identity) })
		}
		r.log.Info("registry - connect - client registered",
			logging.Conn(string(id)), logging.Identity(string(identity)),
			"went_online", wentOnline, "connections", r.presence.Connections(identity))
	})
}

// Disconnect removes the client from every room and settles presence,
// typing and voice state. Unknown clients are ignored.
func (r *Registry) Disconnect(c contracts.Client) {
	_ = r.do(func() {
		id, identity := c.ConnID(), c.Identity()
		if r.clients[id] != c {
			return
		}
		delete(r.clients, id)
		delete(r.pending, id)
		for room := range r.joined[id] {
			r.unsubscribe(room, id)
			r.clearTyping(identity, room)
		}
		delete(r.joined, id)
		for _, dep := range r.voice.LeaveAll(id) {
			r.announceVoiceDeparture(dep)
		}
		wentOffline := r.presence.Disconnect(identity, id)
		if wentOffline {
			for _, ex := range r.typing.RemoveIdentity(identity) {
				r.broadcastTyping(ex.Room, "", ex.User, false)
			}
			r.broadcastAll("", domain.EventUserStatusChange, domain.StatusChange{Identity: identity, Status: domain.StatusOffline})
			r.mirrorAsync(func(ctx context.Context) error { return r.mirror.MarkOffline(ctx, identity) })
		}
		r.log.Info("registry - disconnect - client removed",
			logging.Conn(string(id)), logging.Identity(string(identity)), "went_offline", wentOffline)
	})
}

// Dispatch queues a decoded client event.
func (r *Registry) Dispatch(c contracts.Client, in domain.Inbound) {
	r.post(func() {
		if r.clients[c.ConnID()] != c {
			return
		}
		switch ev := in.(type) {
		case domain.JoinRoom:
			r.requestJoin(c, ev)
		case domain.LeaveRoom:
			r.leave(c, ev)
		case domain.TypingSignal:
			r.typingSignal(c, ev)
		case domain.VoiceSignal:
			r.relay(c, ev)
		default:
			r.sendError(c, domain.ErrorFrame{Code: domain.CodeUnknownEvent, Message: "unsupported event", Event: in.EventName()})
		}
	})
}

// PublishMessageEvent fans a committed message mutation or a notice out to its
// room. A user room reaches every connection of that identity. It returns once
// the frames are queued on every recipient.
func (r *Registry) PublishMessageEvent(ctx context.Context, ev domain.MessageEvent) error {
	_, span := tracer.Start(ctx, "Registry.PublishMessageEvent", trace.WithAttributes(
		attribute.String("room", string(ev.Room)),
		attribute.String("message_id", ev.MessageID),
		attribute.String("kind", string(ev.Kind)),
		attribute.String("event", ev.Event),
	))
	defer span.End()
	var (
		event string
		data  any
	)
	switch ev.Kind {
	case domain.MessageCreated, domain.MessageUpdated:
		if ev.Message == nil {
			return fmt.Errorf("message event without message: %w", domain.ErrMalformedEvent)
		}
		event, data = domain.EventNewMessage, ev.Message
		if ev.Kind == domain.MessageUpdated {
			event = domain.EventMessageUpdated
		}
	case domain.MessageDeleted:
		event, data = domain.EventMessageDeleted, removedPayload(ev)
	case domain.RoomNotice:
		if !domain.IsNotice(ev.Event) {
			return fmt.Errorf("notice %q: %w", ev.Event, domain.ErrUnknownEvent)
		}
		if !ev.Room.Kind().Valid() {
			return fmt.Errorf("notice room %q: %w", ev.Room, domain.ErrInvalidRoom)
		}
		event, data = ev.Event, ev.Payload
	default:
		return fmt.Errorf("message event kind %q: %w", ev.Kind, domain.ErrUnknownEvent)
	}
	var recipients int
	err := r.do(func() {
		if ev.Room.Kind() == domain.RoomUser {
			recipients = r.broadcastIdentity(domain.Identity(ev.Room.TargetID()), event, data)
			return
		}
		recipients = r.broadcastRoom(ev.Room, "", event, data)
	})
	span.SetAttributes(attribute.Int("recipients", recipients))
	return err
}

func removedPayload(ev domain.MessageEvent) domain.MessageRemoved {
	out := domain.MessageRemoved{ID: ev.MessageID}
	target := ev.Room.TargetID()
	switch ev.Room.Kind() {
	case domain.RoomChannel:
		out.ChannelID = &target
	case domain.RoomConversation:
		out.ConversationID = &target
	}
	return out
}

// Stats is a point-in-time view used by health checks.
type Stats struct {
	Connections int `json:"connections"`
	Online      int `json:"online"`
	Rooms       int `json:"rooms"`
	// Signals counts relayed voice signals by payload kind.
	Signals map[domain.SignalKind]int `json:"signals"`
}

func (r *Registry) Stats() (Stats, error) {
	var s Stats
	err := r.do(func() {
		s = Stats{
			Connections: len(r.clients),
			Online:      len(r.presence.Online()),
			Rooms:       len(r.rooms),
			Signals:     maps.Clone(r.signals),
		}
	})
	return s, err
}

// pendingJoin is a join whose access decision has not come back yet. A later
// leave or rejoin bumps the generation so the stale decision is dropped.
type pendingJoin struct {
	gen  uint64
	held *domain.TypingSignal
}

func (r *Registry) requestJoin(c contracts.Client, ev domain.JoinRoom) {
	id, identity := c.ConnID(), c.Identity()
	r.joinSeq++
	gen := r.joinSeq
	rooms, ok := r.pending[id]
	if !ok {
		rooms = make(map[domain.RoomKey]*pendingJoin)
		r.pending[id] = rooms
	}
	if p, ok := rooms[ev.Room]; ok {
		p.gen = gen
	} else {
		rooms[ev.Room] = &pendingJoin{gen: gen}
	}
	go func() {
		decision := r.guard.Decide(r.ctx, identity, ev.Room)
		r.post(func() { r.completeJoin(c, ev, gen, decision) })
	}()
}

func (r *Registry) cancelJoin(id domain.ConnID, room domain.RoomKey) {
	rooms := r.pending[id]
	delete(rooms, room)
	if len(rooms) == 0 {
		delete(r.pending, id)
	}
}

func (r *Registry) completeJoin(c contracts.Client, ev domain.JoinRoom, gen uint64, decision domain.AuthzDecision) {
	id := c.ConnID()
	if r.clients[id] != c {
		return
	}
	p, ok := r.pending[id][ev.Room]
	if !ok || p.gen != gen {
		r.log.Debug("registry - join - superseded", logging.Conn(string(id)), logging.Room(string(ev.Room)))
		return
	}
	r.cancelJoin(id, ev.Room)
	kind, target := ev.Room.Kind(), ev.Room.TargetID()
	if err := services.Resolve(decision); err != nil {
		r.log.Info("registry - join - denied", logging.Conn(string(id)), logging.Room(string(ev.Room)), "decision", decision.String())
		r.sendError(c, domain.ErrorFrame{
			Code:         domain.CodeAccessDenied,
			Message:      err.Error(),
			Event:        ev.Event,
			RoomKind:     kind,
			RoomTargetID: target,
		})
		return
	}
	if kind == domain.RoomVoice {
		peers, evicted, err := r.voice.Join(id, c.Identity(), ev.Room)
		if errors.Is(err, domain.ErrCapacityExceeded) {
			r.send(c, domain.EventRoomFull, domain.RoomFull{RoomTargetID: target, Capacity: r.voice.Capacity()})
			r.log.Info("registry - join voice - room full", logging.Conn(string(id)), logging.Room(string(ev.Room)))
			return
		}
		for _, dep := range evicted {
			r.announceVoiceDeparture(dep)
			r.sendTo(dep.Conn, domain.EventUserLeftVoice, domain.VoiceLeft{RoomTargetID: dep.Room.TargetID(), ConnectionID: dep.Conn})
		}
		if peers == nil {
			peers = []domain.ConnID{}
		}
		r.send(c, domain.EventAllUsersInRoom, domain.VoicePeers{RoomTargetID: target, Peers: peers})
		r.log.Info("registry - join voice - joined", logging.Conn(string(id)), logging.Room(string(ev.Room)), "peers", len(peers))
		return
	}
	r.subscribe(ev.Room, id)
	r.send(c, domain.EventRoomJoined, domain.RoomJoined{RoomKind: kind, RoomTargetID: target})
	if kind == domain.RoomChannel || kind == domain.RoomConversation {
		r.send(c, domain.EventTypingSnapshot, domain.TypingSnapshot{
			RoomKind:     kind,
			RoomTargetID: target,
			Users:        r.typing.Snapshot(ev.Room, c.Identity()),
		})
	}
	r.log.Debug("registry - join - joined", logging.Conn(string(id)), logging.Room(string(ev.Room)))
	if p.held != nil {
		r.typingSignal(c, *p.held)
	}
}

func (r *Registry) leave(c contracts.Client, ev domain.LeaveRoom) {
	id := c.ConnID()
	if ev.Kind == domain.RoomVoice {
		var deps []services.VoiceDeparture
		if ev.Room == "" {
			for room := range r.pending[id] {
				if room.Kind() == domain.RoomVoice {
					r.cancelJoin(id, room)
				}
			}
			deps = r.voice.LeaveAll(id)
		} else {
			r.cancelJoin(id, ev.Room)
			if dep, ok := r.voice.Leave(id, ev.Room); ok {
				deps = append(deps, dep)
			}
		}
		for _, dep := range deps {
			r.announceVoiceDeparture(dep)
		}
		return
	}
	r.cancelJoin(id, ev.Room)
	if _, ok := r.joined[id][ev.Room]; !ok {
		return
	}
	delete(r.joined[id], ev.Room)
	r.unsubscribe(ev.Room, id)
	r.clearTyping(c.Identity(), ev.Room)
}

// clearTyping drops the identity's typing entry once none of its connections
// remain in room.
func (r *Registry) clearTyping(identity domain.Identity, room domain.RoomKey) {
	if r.identityInRoom(identity, room) {
		return
	}
	if user, ok := r.typing.Stop(room, identity); ok {
		r.broadcastTyping(room, "", user, false)
	}
}

func (r *Registry) typingSignal(c contracts.Client, ev domain.TypingSignal) {
	id, identity := c.ConnID(), c.Identity()
	if _, ok := r.joined[id][ev.Room]; !ok {
		// last signal wins until the access decision arrives
		if p, ok := r.pending[id][ev.Room]; ok {
			held := ev
			p.held = &held
			return
		}
		r.sendError(c, domain.ErrorFrame{
			Code:         domain.CodeNotInRoom,
			Message:      domain.ErrNotInRoom.Error(),
			Event:        ev.EventName(),
			RoomKind:     ev.Room.Kind(),
			RoomTargetID: ev.Room.TargetID(),
		})
		return
	}
	if ev.Typing {
		if r.typing.Start(ev.Room, identity, ev.DisplayName, r.now()) {
			r.broadcastTyping(ev.Room, id, domain.TypingUser{Identity: identity, DisplayName: ev.DisplayName}, true)
		}
		return
	}
	if user, ok := r.typing.Stop(ev.Room, identity); ok {
		r.broadcastTyping(ev.Room, id, user, false)
	}
}

func (r *Registry) expireTyping() {
	for _, ex := range r.typing.Expire(r.now()) {
		r.broadcastTyping(ex.Room, "", ex.User, false)
		r.log.Debug("registry - typing - expired", logging.Room(string(ex.Room)), logging.Identity(string(ex.User.Identity)))
	}
}

func (r *Registry) relay(c contracts.Client, ev domain.VoiceSignal) {
	from := c.ConnID()
	_, span := tracer.Start(r.ctx, "Registry.RelaySignal", trace.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(ev.Target)),
		attribute.String("phase", string(ev.Phase)),
	))
	defer span.End()
	if !r.voice.CanRelay(from, ev.Target) {
		r.sendError(c, domain.ErrorFrame{Code: domain.CodeNotInVoiceRoom, Message: "target is not in a shared voice room", Event: ev.EventName()})
		return
	}
	kind := domain.ClassifySignal(ev.Signal)
	r.signals[kind]++
	span.SetAttributes(attribute.String("signal_kind", string(kind)))
	var ok bool
	if ev.Phase == domain.PhaseAnswer {
		ok = r.sendTo(ev.Target, domain.EventReturnedSignal, domain.VoiceAnswer{Signal: ev.Signal, ID: from})
	} else {
		ok = r.sendTo(ev.Target, domain.EventUserJoinedVoice, domain.VoiceOffer{Signal: ev.Signal, CallerID: from})
	}
	r.log.Debug("registry - relay - signal forwarded", logging.Conn(string(from)), "target", ev.Target, "signal_kind", kind, "delivered", ok)
}

func (r *Registry) announceVoiceDeparture(dep services.VoiceDeparture) {
	payload := domain.VoiceLeft{RoomTargetID: dep.Room.TargetID(), ConnectionID: dep.Conn}
	for _, peer := range dep.Remaining {
		r.sendTo(peer, domain.EventUserLeftVoice, payload)
	}
}

func (r *Registry) subscribe(room domain.RoomKey, id domain.ConnID) {
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[domain.ConnID]struct{})
		r.rooms[room] = members
	}
	members[id] = struct{}{}
	r.joined[id][room] = struct{}{}
}

func (r *Registry) unsubscribe(room domain.RoomKey, id domain.ConnID) {
	members := r.rooms[room]
	delete(members, id)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

func (r *Registry) identityInRoom(identity domain.Identity, room domain.RoomKey) bool {
	for id := range r.rooms[room] {
		if c, ok := r.clients[id]; ok && c.Identity() == identity {
			return true
		}
	}
	return false
}

func (r *Registry) broadcastTyping(room domain.RoomKey, exclude domain.ConnID, user domain.TypingUser, typing bool) {
	r.broadcastRoom(room, exclude, domain.EventUserTyping, domain.UserTyping{
		RoomKind:     room.Kind(),
		RoomTargetID: room.TargetID(),
		Identity:     user.Identity,
		DisplayName:  user.DisplayName,
		IsTyping:     typing,
	})
}

func (r *Registry) broadcastRoom(room domain.RoomKey, exclude domain.ConnID, event string, data any) int {
	frame, ok := r.encode(event, data)
	if !ok {
		return 0
	}
	n := 0
	for id := range r.rooms[room] {
		if id == exclude {
			continue
		}
		if c, ok := r.clients[id]; ok {
			r.deliver(c, event, frame)
			n++
		}
	}
	return n
}

func (r *Registry) broadcastIdentity(identity domain.Identity, event string, data any) int {
	frame, ok := r.encode(event, data)
	if !ok {
		return 0
	}
	n := 0
	for _, c := range r.clients {
		if c.Identity() == identity {
			r.deliver(c, event, frame)
			n++
		}
	}
	return n
}

func (r *Registry) broadcastAll(exclude domain.ConnID, event string, data any) {
	frame, ok := r.encode(event, data)
	if !ok {
		return
	}
	for id, c := range r.clients {
		if id != exclude {
			r.deliver(c, event, frame)
		}
	}
}

func (r *Registry) sendTo(id domain.ConnID, event string, data any) bool {
	c, ok := r.clients[id]
	if !ok {
		return false
	}
	return r.send(c, event, data)
}

func (r *Registry) send(c contracts.Client, event string, data any) bool {
	frame, ok := r.encode(event, data)
	if !ok {
		return false
	}
	return r.deliver(c, event, frame)
}

func (r *Registry) sendError(c contracts.Client, frame domain.ErrorFrame) {
	r.send(c, domain.EventError, frame)
}

// deliver never blocks the loop; a client that cannot keep up is closed and
// cleaned up when its read loop reports the disconnect.
func (r *Registry) deliver(c contracts.Client, event string, frame []byte) bool {
	if c.Send(frame) {
		return true
	}
	r.log.Warn("registry - send - slow consumer, closing", logging.Conn(string(c.ConnID())), logging.Event(event))
	c.Close()
	return false
}

func (r *Registry) encode(event string, data any) ([]byte, bool) {
	frame, err := domain.Encode(event, data)
	if err != nil {
		r.log.Error("registry - encode - failed", logging.Event(event), logging.Err(err))
		return nil, false
	}
	return frame, true
}

func (r *Registry) mirrorAsync(op func(ctx context.Context) error) {
	if r.mirror == nil {
		return
	}
	select {
	case r.mirrorOp <- func(ctx context.Context) {
		if err := op(ctx); err != nil {
			r.log.Warn("registry - presence mirror - write failed", logging.Err(err))
		}
	}:
	default:
		r.log.Warn("registry - presence mirror - queue full, dropping update")
	}
}

func (r *Registry) mirrorLoop() {
	defer r.wg.Done()
	if err := r.mirror.Reset(r.ctx); err != nil {
		r.log.Warn("registry - presence mirror - reset failed", logging.Err(err))
	}
	for {
		select {
		case <-r.ctx.Done():
			return
		case op := <-r.mirrorOp:
			opCtx, cancel := context.WithTimeout(r.ctx, 2*time.Second)
			op(opCtx)
			cancel()
		}
	}
}
