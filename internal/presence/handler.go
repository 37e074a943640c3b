package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"codepair/internal/auth"
	"codepair/internal/jobs"
	"codepair/internal/session"
)

// Flusher writes a session's document to the durable store immediately.
type Flusher interface {
	Flush(ctx context.Context, sessionID string) error
}

// Handler applies protocol operations to the session registry and returns the
// events they produce. It never writes to connections itself.
type Handler struct {
	registry     *session.Registry
	flusher      Flusher
	flushTimeout time.Duration
}

// NewHandler creates a handler. flusher may be nil.
func NewHandler(registry *session.Registry, flusher Flusher, flushTimeout time.Duration) *Handler {
	if flushTimeout <= 0 {
		flushTimeout = 5 * time.Second
	}
	return &Handler{registry: registry, flusher: flusher, flushTimeout: flushTimeout}
}

// Join admits the connection to a session. The joiner receives the current
// document; the whole room receives the new roster. Under the replace policy
// an older connection of the same user gets a "replaced" error and is closed.
func (h *Handler) Join(ctx context.Context, id auth.Identity, c *Conn, sessionID string) ([]Event, error) {
	if err := c.require(Authenticated); err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", errBadRequest)
	}

	s, replaced, err := h.registry.Join(ctx, sessionID, session.Participant{
		ConnectionID: c.ID,
		UserID:       id.SubjectID,
		DisplayName:  id.DisplayName,
		Role:         id.Role,
	})
	if err != nil {
		return nil, err
	}
	if err := c.transition(Joined); err != nil {
		return nil, err
	}
	c.sessionID = sessionID

	code, language := s.Document()
	roster, _ := h.registry.Roster(sessionID)
	h.registry.Record(sessionID, TypeJoin, map[string]string{"user_id": id.SubjectID})

	events := make([]Event, 0, 3)
	if replaced != nil {
		log.Info().
			Str("session_id", sessionID).
			Str("user_id", id.SubjectID).
			Str("replaced_conn", replaced.ConnectionID).
			Msg("connection replaced by a newer join")
		ev := toConn(replaced.ConnectionID, TypeError, ErrorPayload{
			Code:    CodeReplaced,
			Message: "replaced by a newer connection for the same user",
		})
		ev.Close = true
		events = append(events, ev)
	}
	events = append(events,
		toConn(c.ID, TypeDocument, DocumentPayload{SessionID: sessionID, Code: code, Language: language}),
		toRoom(sessionID, "", TypeRoster, RosterPayload{SessionID: sessionID, Participants: roster}),
	)
	return events, nil
}

// Edit replaces the shared document and relays it to everyone but the sender.
func (h *Handler) Edit(_ context.Context, id auth.Identity, c *Conn, code, language string) ([]Event, error) {
	if err := h.member(c); err != nil {
		return nil, err
	}
	sessionID := c.sessionID
	if err := h.registry.UpdateDocument(sessionID, code, language); err != nil {
		return nil, err
	}
	_, current, _ := h.registry.Document(sessionID)
	h.registry.Record(sessionID, TypeEdit, map[string]any{"user_id": id.SubjectID, "bytes": len(code)})

	return []Event{toRoom(sessionID, c.ID, TypeEdit, EditPayload{
		SessionID:    sessionID,
		ConnectionID: c.ID,
		UserID:       id.SubjectID,
		Code:         code,
		Language:     current,
	})}, nil
}

// Cursor updates the sender's caret and relays it. Cursors are ephemeral.
func (h *Handler) Cursor(id auth.Identity, c *Conn, pos session.Cursor) ([]Event, error) {
	if err := h.member(c); err != nil {
		return nil, err
	}
	if err := h.registry.UpdateCursor(c.sessionID, c.ID, pos); err != nil {
		return nil, err
	}
	return []Event{toRoom(c.sessionID, c.ID, TypeCursor, CursorPayload{
		SessionID:    c.sessionID,
		ConnectionID: c.ID,
		UserID:       id.SubjectID,
		Cursor:       pos,
	})}, nil
}

// Typing relays a typing indicator.
func (h *Handler) Typing(id auth.Identity, c *Conn, typing bool) ([]Event, error) {
	if err := h.member(c); err != nil {
		return nil, err
	}
	return []Event{toRoom(c.sessionID, c.ID, TypeTyping, TypingPayload{
		SessionID:    c.sessionID,
		ConnectionID: c.ID,
		UserID:       id.SubjectID,
		Typing:       typing,
	})}, nil
}

// member checks that c still holds its seat. A connection replaced by a newer
// join stays Joined until its socket closes and must not touch the room.
func (h *Handler) member(c *Conn) error {
	if err := c.require(Joined); err != nil {
		return err
	}
	s, ok := h.registry.Lookup(c.sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, c.sessionID)
	}
	if !s.HasConnection(c.ID) {
		return fmt.Errorf("%w: connection %s was replaced", ErrInvalidState, c.ID)
	}
	return nil
}

// Leave removes the connection from its session. The last participant out
// triggers a best-effort synchronous flush before eviction is scheduled.
func (h *Handler) Leave(ctx context.Context, id auth.Identity, c *Conn) ([]Event, error) {
	if err := c.require(Joined); err != nil {
		return nil, err
	}
	sessionID := c.sessionID
	events := h.depart(ctx, id, c.ID, sessionID)
	if err := c.transition(Authenticated); err != nil {
		return nil, err
	}
	return events, nil
}

// Disconnect ends the connection, leaving any joined session first. Calling
// it on a disconnected connection is a no-op.
func (h *Handler) Disconnect(ctx context.Context, id auth.Identity, c *Conn) []Event {
	if c.state == Disconnected {
		return nil
	}
	var events []Event
	if c.state == Joined {
		events = h.depart(ctx, id, c.ID, c.sessionID)
	}
	_ = c.transition(Disconnected)
	return events
}

func (h *Handler) depart(ctx context.Context, id auth.Identity, connID, sessionID string) []Event {
	remaining, err := h.registry.RemoveParticipant(sessionID, connID)
	if err != nil {
		if !errors.Is(err, session.ErrSessionNotFound) {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("remove participant failed")
		}
		return nil
	}
	h.registry.Record(sessionID, TypeLeave, map[string]string{"user_id": id.SubjectID})

	if remaining == 0 && h.flusher != nil {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.flushTimeout)
		if err := h.flusher.Flush(fctx, sessionID); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("flush on last leave failed")
		}
		cancel()
	}

	roster, _ := h.registry.Roster(sessionID)
	return []Event{toRoom(sessionID, "", TypeRoster, RosterPayload{SessionID: sessionID, Participants: roster})}
}

// ExecutionResult turns a terminal job into a room event. Jobs not tied to a
// session produce nothing.
func (h *Handler) ExecutionResult(job jobs.Job) []Event {
	if job.SessionID == "" {
		return nil
	}
	if job.Result != nil {
		h.registry.Record(job.SessionID, TypeExecutionResult, map[string]string{"job_id": job.ID, "status": string(job.Result.Status)})
	}
	return []Event{toRoom(job.SessionID, "", TypeExecutionResult, ExecutionResultPayload{
		SessionID:   job.SessionID,
		JobID:       job.ID,
		SubmitterID: job.SubmitterID,
		State:       string(job.State),
		Result:      job.Result,
		Error:       job.Error,
	})}
}
