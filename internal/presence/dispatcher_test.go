package presence

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codepair/internal/fanout"
	"codepair/internal/jobs"
	"codepair/internal/session"
)

type fakeSink struct {
	mu     sync.Mutex
	frames []Frame
	closed bool
}

func (s *fakeSink) Send(frame []byte) bool {
	var f struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(frame, &f); err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, Frame{Type: f.Type, Payload: f.Payload})
	return true
}

func (s *fakeSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Type
	}
	return out
}

func (s *fakeSink) last(typ string, v any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].Type == typ {
			_ = json.Unmarshal(s.frames[i].Payload.(json.RawMessage), v)
			return true
		}
	}
	return false
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type instance struct {
	handler    *Handler
	dispatcher *Dispatcher
}

func newInstance(t *testing.T, broker fanout.Broker) *instance {
	t.Helper()
	reg := newTestRegistry(t, 10)
	d := NewDispatcher(reg, broker, nil)
	require.NoError(t, d.Start(context.Background()))
	return &instance{handler: NewHandler(reg, nil, 0), dispatcher: d}
}

func (in *instance) join(t *testing.T, user, connID, sessionID string) (*Conn, *fakeSink) {
	t.Helper()
	c := authedConn(t, connID)
	sink := &fakeSink{}
	in.dispatcher.Register(connID, sink)
	err := in.dispatcher.Apply(context.Background(), sessionID, func() ([]Event, error) {
		return in.handler.Join(context.Background(), identity(user), c, sessionID)
	})
	require.NoError(t, err)
	return c, sink
}

func TestDispatcher_LocalDelivery(t *testing.T) {
	in := newInstance(t, nil)
	ctx := context.Background()

	a, sinkA := in.join(t, "alice", "a", "room")
	_, sinkB := in.join(t, "bob", "b", "room")

	assert.Equal(t, []string{TypeDocument, TypeRoster, TypeRoster}, sinkA.types())
	assert.Equal(t, []string{TypeDocument, TypeRoster}, sinkB.types())

	for _, code := range []string{"1", "2", "3"} {
		code := code
		require.NoError(t, in.dispatcher.Apply(ctx, "room", func() ([]Event, error) {
			return in.handler.Edit(ctx, identity("alice"), a, code, "")
		}))
	}

	// The sender never receives its own edit; peers see them in order.
	assert.NotContains(t, sinkA.types(), TypeEdit)
	var edits []string
	sinkB.mu.Lock()
	for _, f := range sinkB.frames {
		if f.Type == TypeEdit {
			var e EditPayload
			require.NoError(t, json.Unmarshal(f.Payload.(json.RawMessage), &e))
			edits = append(edits, e.Code)
		}
	}
	sinkB.mu.Unlock()
	assert.Equal(t, []string{"1", "2", "3"}, edits)
}

func TestDispatcher_ReplacedConnectionClosed(t *testing.T) {
	in := newInstance(t, nil)

	_, old := in.join(t, "alice", "old", "room")
	_, fresh := in.join(t, "alice", "new", "room")

	var e ErrorPayload
	require.True(t, old.last(TypeError, &e))
	assert.Equal(t, CodeReplaced, e.Code)
	assert.True(t, old.isClosed())
	assert.False(t, fresh.isClosed())

	var roster RosterPayload
	require.True(t, fresh.last(TypeRoster, &roster))
	require.Len(t, roster.Participants, 1)
	assert.Equal(t, "new", roster.Participants[0].ConnectionID)
}

func TestDispatcher_CrossInstanceEdit(t *testing.T) {
	brokerA := fanout.NewLocalBroker("inst-a")
	brokerB := brokerA.Peer("inst-b")
	a := newInstance(t, brokerA)
	b := newInstance(t, brokerB)
	ctx := context.Background()

	alice, aliceSink := a.join(t, "alice", "a1", "room")
	_, bobSink := b.join(t, "bob", "b1", "room")

	require.NoError(t, a.dispatcher.Apply(ctx, "room", func() ([]Event, error) {
		return a.handler.Edit(ctx, identity("alice"), alice, "shared", "go")
	}))

	require.Eventually(t, func() bool {
		var e EditPayload
		return bobSink.last(TypeEdit, &e) && e.Code == "shared"
	}, time.Second, 5*time.Millisecond)

	code, lang, ok := b.handler.registry.Document("room")
	require.True(t, ok)
	assert.Equal(t, "shared", code)
	assert.Equal(t, "go", lang)

	// Both instances see the whole room.
	for _, sink := range []*fakeSink{aliceSink, bobSink} {
		assert.Eventually(t, func() bool {
			return rosterUsers(sink) == "alice,bob"
		}, time.Second, 5*time.Millisecond)
	}
}

func TestDispatcher_CrossInstanceRosterLeave(t *testing.T) {
	brokerA := fanout.NewLocalBroker("inst-a")
	a := newInstance(t, brokerA)
	b := newInstance(t, brokerA.Peer("inst-b"))
	ctx := context.Background()

	alice, _ := a.join(t, "alice", "a1", "room")
	_, bobSink := b.join(t, "bob", "b1", "room")
	require.Eventually(t, func() bool {
		return rosterUsers(bobSink) == "alice,bob"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.dispatcher.Apply(ctx, "room", func() ([]Event, error) {
		return a.handler.Leave(ctx, identity("alice"), alice)
	}))
	assert.Eventually(t, func() bool {
		return rosterUsers(bobSink) == "bob"
	}, time.Second, 5*time.Millisecond)
}

func TestRosterBook_DropsStaleCopies(t *testing.T) {
	book := newRosterBook()
	alice := []session.Participant{{ConnectionID: "a1", UserID: "alice", JoinedAt: time.Unix(1, 0)}}
	bob := []session.Participant{{ConnectionID: "b1", UserID: "bob", JoinedAt: time.Unix(2, 0)}}

	first, fresh := book.update("room", "inst-a", 2, alice)
	assert.True(t, first)
	assert.True(t, fresh)

	_, fresh = book.update("room", "inst-a", 1, nil)
	assert.False(t, fresh)

	merged := book.merge("room", bob)
	require.Len(t, merged, 2)
	assert.Equal(t, "alice", merged[0].UserID)
	assert.Equal(t, "bob", merged[1].UserID)

	first, fresh = book.update("room", "inst-a", 3, nil)
	assert.False(t, first)
	assert.True(t, fresh)
	assert.Len(t, book.merge("room", bob), 1)
}

// rosterUsers returns the user ids of the last roster a sink received.
func rosterUsers(sink *fakeSink) string {
	var roster RosterPayload
	if !sink.last(TypeRoster, &roster) {
		return ""
	}
	users := make([]string, len(roster.Participants))
	for i, p := range roster.Participants {
		users[i] = p.UserID
	}
	return strings.Join(users, ",")
}

func TestDispatcher_ExecutionResultToRoom(t *testing.T) {
	in := newInstance(t, nil)
	_, sinkA := in.join(t, "alice", "a", "room")
	_, sinkB := in.join(t, "bob", "b", "room")

	in.dispatcher.Dispatch(context.Background(), in.handler.ExecutionResult(jobs.Job{
		ID: "j1", SessionID: "room", State: jobs.StateCompleted,
	}))
	// No local participants: dropped without error.
	in.dispatcher.Dispatch(context.Background(), in.handler.ExecutionResult(jobs.Job{
		ID: "j2", SessionID: "elsewhere", State: jobs.StateCompleted,
	}))

	for _, s := range []*fakeSink{sinkA, sinkB} {
		var p ExecutionResultPayload
		require.True(t, s.last(TypeExecutionResult, &p))
		assert.Equal(t, "j1", p.JobID)
	}
}
