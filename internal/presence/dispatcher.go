package presence

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"codepair/internal/fanout"
	"codepair/internal/monitor"
	"codepair/internal/session"
)

// Sink is the outbound side of a connection.
type Sink interface {
	// Send queues an encoded frame. It reports false when the frame was dropped.
	Send(frame []byte) bool
	Close()
}

// Dispatcher delivers events to local connections in order and relays room
// events to other instances through the broker.
type Dispatcher struct {
	registry       *session.Registry
	broker         fanout.Broker
	metrics        *monitor.Metrics
	publishTimeout time.Duration

	mu    sync.RWMutex
	sinks map[string]Sink // by connection id

	rosters   *rosterBook
	rosterSeq atomic.Uint64
}

// NewDispatcher creates a dispatcher. broker and metrics may be nil.
func NewDispatcher(registry *session.Registry, broker fanout.Broker, metrics *monitor.Metrics) *Dispatcher {
	d := &Dispatcher{
		registry:       registry,
		broker:         broker,
		metrics:        metrics,
		publishTimeout: 2 * time.Second,
		sinks:          make(map[string]Sink),
		rosters:        newRosterBook(),
	}
	// Seeded from the clock so a restarted instance outranks its old rosters.
	d.rosterSeq.Store(uint64(time.Now().UnixNano()))
	return d
}

func (d *Dispatcher) Register(connID string, s Sink) {
	d.mu.Lock()
	d.sinks[connID] = s
	d.mu.Unlock()
}

func (d *Dispatcher) Unregister(connID string) {
	d.mu.Lock()
	delete(d.sinks, connID)
	d.mu.Unlock()
}

func (d *Dispatcher) sink(connID string) (Sink, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sinks[connID]
	return s, ok
}

// Start subscribes to events from other instances.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.broker == nil {
		return nil
	}
	return d.broker.Subscribe(ctx, d.receive)
}

// Apply runs op under the session's dispatch lock and delivers its events
// before releasing it, so every participant observes operations on a session
// in the order they were applied.
func (d *Dispatcher) Apply(ctx context.Context, sessionID string, op func() ([]Event, error)) error {
	if s, ok := d.registry.Lookup(sessionID); ok {
		var err error
		s.Serialize(func() {
			var events []Event
			events, err = op()
			d.deliverAll(ctx, events)
		})
		return err
	}

	// First join creates the session inside op.
	events, err := op()
	if len(events) == 0 {
		return err
	}
	if s, ok := d.registry.Lookup(sessionID); ok {
		s.Serialize(func() { d.deliverAll(ctx, events) })
	} else {
		d.deliverAll(ctx, events)
	}
	return err
}

// Dispatch delivers events produced outside a client operation, such as
// execution results from the worker pool.
func (d *Dispatcher) Dispatch(ctx context.Context, events []Event) {
	for _, ev := range events {
		if ev.Scope == ToRoom {
			if s, ok := d.registry.Lookup(ev.SessionID); ok {
				s.Serialize(func() { d.deliver(ctx, ev) })
				continue
			}
		}
		d.deliver(ctx, ev)
	}
}

// Send delivers one frame to a local connection.
func (d *Dispatcher) Send(connID, typ string, payload any) {
	d.deliver(context.Background(), toConn(connID, typ, payload))
}

func (d *Dispatcher) deliverAll(ctx context.Context, events []Event) {
	for _, ev := range events {
		d.deliver(ctx, ev)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	if ev.Scope == ToRoom && ev.Type == TypeRoster {
		d.deliverRoster(ctx, ev)
		return
	}
	frame, err := encodeFrame(ev.Type, ev.Payload)
	if err != nil {
		log.Error().Err(err).Str("type", ev.Type).Msg("encoding event")
		return
	}

	if ev.Scope == ToConnection {
		s, ok := d.sink(ev.ConnectionID)
		if !ok {
			return
		}
		s.Send(frame)
		if ev.Close {
			s.Close()
		}
		return
	}

	d.fanLocal(ev.SessionID, ev.Except, frame)
	if d.metrics != nil {
		d.metrics.RecordBroadcast(ev.Type, "local")
	}
	if d.broker != nil && relayed(ev.Type) {
		d.publish(ctx, ev)
	}
}

// fanLocal sends to every local participant of the session. Sessions not
// held here have no local participants and the frame is dropped.
func (d *Dispatcher) fanLocal(sessionID, except string, frame []byte) {
	roster, err := d.registry.Roster(sessionID)
	if err != nil {
		return
	}
	for _, p := range roster {
		if p.ConnectionID == except {
			continue
		}
		if s, ok := d.sink(p.ConnectionID); ok {
			s.Send(frame)
		}
	}
}

// deliverRoster sends the room-wide roster to local connections and relays
// this instance's share of it.
func (d *Dispatcher) deliverRoster(ctx context.Context, ev Event) {
	p, ok := ev.Payload.(RosterPayload)
	if !ok {
		log.Error().Str("session_id", ev.SessionID).Msg("roster event without roster payload")
		return
	}
	d.fanRoster(ev.SessionID, ev.Except, p.Participants)
	if d.metrics != nil {
		d.metrics.RecordBroadcast(ev.Type, "local")
	}
	if d.broker != nil {
		d.publishRoster(ctx, ev.SessionID, p.Participants)
	}
}

func (d *Dispatcher) fanRoster(sessionID, except string, local []session.Participant) {
	frame, err := encodeFrame(TypeRoster, RosterPayload{
		SessionID:    sessionID,
		Participants: d.rosters.merge(sessionID, local),
	})
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("encoding roster")
		return
	}
	d.fanLocal(sessionID, except, frame)
}

func (d *Dispatcher) publishRoster(ctx context.Context, sessionID string, local []session.Participant) {
	if local == nil {
		local = []session.Participant{}
	}
	d.publish(ctx, Event{
		Scope:     ToRoom,
		SessionID: sessionID,
		Type:      TypeRoster,
		Payload:   rosterRelay{SessionID: sessionID, Seq: d.rosterSeq.Add(1), Participants: local},
	})
}

func (d *Dispatcher) publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		log.Error().Err(err).Str("type", ev.Type).Msg("encoding relayed event")
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.publishTimeout)
	defer cancel()
	if err := d.broker.Publish(pctx, fanout.Envelope{
		SessionID: ev.SessionID,
		Type:      ev.Type,
		Except:    ev.Except,
		Payload:   payload,
	}); err != nil {
		log.Warn().Err(err).Str("session_id", ev.SessionID).Str("type", ev.Type).Msg("relaying event failed")
	}
}

// receive applies an event from another instance. Remote edits update the
// local copy last-write-wins; durability stays with the originating instance.
func (d *Dispatcher) receive(env fanout.Envelope) {
	if env.Type == TypeRoster {
		d.receiveRoster(env)
		return
	}
	s, ok := d.registry.Lookup(env.SessionID)
	if !ok {
		return
	}
	s.Serialize(func() {
		if env.Type == TypeEdit {
			var edit EditPayload
			if err := json.Unmarshal(env.Payload, &edit); err != nil {
				log.Warn().Err(err).Str("session_id", env.SessionID).Msg("decoding relayed edit")
				return
			}
			d.registry.ApplyRemote(env.SessionID, edit.Code, edit.Language)
		}
		frame, err := encodeFrame(env.Type, env.Payload)
		if err != nil {
			return
		}
		d.fanLocal(env.SessionID, env.Except, frame)
		if d.metrics != nil {
			d.metrics.RecordBroadcast(env.Type, "remote")
		}
	})
}

// receiveRoster records another instance's share of a room and refreshes the
// merged roster locally. The first time an instance shows up in a room it is
// sent this instance's share in return, so rooms that already had members
// here become visible to it.
func (d *Dispatcher) receiveRoster(env fanout.Envelope) {
	var rr rosterRelay
	if err := json.Unmarshal(env.Payload, &rr); err != nil {
		log.Warn().Err(err).Str("session_id", env.SessionID).Msg("decoding relayed roster")
		return
	}
	first, fresh := d.rosters.update(env.SessionID, env.Origin, rr.Seq, rr.Participants)
	if !fresh {
		return
	}
	s, ok := d.registry.Lookup(env.SessionID)
	if !ok {
		return
	}
	s.Serialize(func() {
		local, err := d.registry.Roster(env.SessionID)
		if err != nil {
			return
		}
		d.fanRoster(env.SessionID, "", local)
		if d.metrics != nil {
			d.metrics.RecordBroadcast(TypeRoster, "remote")
		}
		if first && len(local) > 0 {
			d.publishRoster(context.Background(), env.SessionID, local)
		}
	})
}
