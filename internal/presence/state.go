// Package presence implements the real-time room protocol: authenticated
// connections join sessions, exchange edits, cursors and typing signals, and
// receive execution results.
package presence

import (
	"errors"
	"fmt"
)

var ErrInvalidState = errors.New("invalid connection state")

// ConnState is the lifecycle of one client connection.
type ConnState int

const (
	Unauthenticated ConnState = iota
	Authenticated
	Joined
	Disconnected
)

func (s ConnState) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	case Joined:
		return "joined"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// canTransition lists the legal moves. Leaving a room returns the connection
// to Authenticated; Disconnected is terminal.
func canTransition(from, to ConnState) bool {
	switch from {
	case Unauthenticated:
		return to == Authenticated || to == Disconnected
	case Authenticated:
		return to == Joined || to == Disconnected
	case Joined:
		return to == Authenticated || to == Disconnected
	}
	return false
}

// Conn is the protocol state of one connection. It is owned by the
// connection's read loop and is not safe for concurrent use.
type Conn struct {
	ID        string
	state     ConnState
	sessionID string
}

func NewConn(id string) *Conn {
	return &Conn{ID: id}
}

func (c *Conn) State() ConnState { return c.state }

// SessionID returns the joined session, or "" when not joined.
func (c *Conn) SessionID() string { return c.sessionID }

func (c *Conn) transition(to ConnState) error {
	if !canTransition(c.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, c.state, to)
	}
	c.state = to
	if to != Joined {
		c.sessionID = ""
	}
	return nil
}

// Authenticate marks a verified handshake.
func (c *Conn) Authenticate() error {
	return c.transition(Authenticated)
}

// require fails unless the connection is in state want.
func (c *Conn) require(want ConnState) error {
	if c.state != want {
		return fmt.Errorf("%w: %s, need %s", ErrInvalidState, c.state, want)
	}
	return nil
}
