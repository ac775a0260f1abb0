// Package presence tracks which users hold a live connection and which rooms
// each connection has joined, and delivers encoded frames to them.
package presence

import (
	"context"
	"errors"
	"sync"
)

// ErrOffline is returned by Send when the user has no live connection.
var ErrOffline = errors.New("presence: user offline")

// Conn is a live client connection able to take an encoded frame.
type Conn interface {
	WriteMessage(data []byte) error
}

// Registry is the presence contract shared by the chat runtime and the
// match orchestrator.
type Registry interface {
	// Connect registers conn for userID and returns the connection it
	// replaced, if any.
	Connect(ctx context.Context, userID string, conn Conn) (Conn, error)
	// Disconnect removes conn. A newer connection of the same user is left
	// in place.
	Disconnect(ctx context.Context, userID string, conn Conn) error
	IsPresent(ctx context.Context, userID string) bool
	JoinRoom(ctx context.Context, userID, roomID string) error
	LeaveRoom(ctx context.Context, userID, roomID string) error
	InRoom(ctx context.Context, userID, roomID string) bool
	Send(ctx context.Context, userID string, frame []byte) error
}

type entry struct {
	conn  Conn
	rooms map[string]struct{}
}

// Local is a thread-safe single-process registry.
type Local struct {
	mu    sync.RWMutex
	users map[string]*entry
}

var _ Registry = (*Local)(nil)

func NewLocal() *Local {
	return &Local{users: make(map[string]*entry)}
}

func (l *Local) Connect(_ context.Context, userID string, conn Conn) (Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var prev Conn
	if e, ok := l.users[userID]; ok {
		prev = e.conn
	}
	l.users[userID] = &entry{conn: conn, rooms: make(map[string]struct{})}
	return prev, nil
}

func (l *Local) Disconnect(_ context.Context, userID string, conn Conn) error {
	l.disconnect(userID, conn)
	return nil
}

// disconnect reports whether conn was the registered connection.
func (l *Local) disconnect(userID string, conn Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.users[userID]
	if !ok || e.conn != conn {
		return false
	}
	delete(l.users, userID)
	return true
}

func (l *Local) IsPresent(_ context.Context, userID string) bool {
	l.mu.RLock()
	_, ok := l.users[userID]
	l.mu.RUnlock()
	return ok
}

func (l *Local) JoinRoom(_ context.Context, userID, roomID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.users[userID]
	if !ok {
		return ErrOffline
	}
	e.rooms[roomID] = struct{}{}
	return nil
}

func (l *Local) LeaveRoom(_ context.Context, userID, roomID string) error {
	l.mu.Lock()
	if e, ok := l.users[userID]; ok {
		delete(e.rooms, roomID)
	}
	l.mu.Unlock()
	return nil
}

func (l *Local) InRoom(_ context.Context, userID, roomID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.users[userID]
	if !ok {
		return false
	}
	_, in := e.rooms[roomID]
	return in
}

func (l *Local) Send(_ context.Context, userID string, frame []byte) error {
	l.mu.RLock()
	e, ok := l.users[userID]
	l.mu.RUnlock()
	if !ok {
		return ErrOffline
	}
	return e.conn.WriteMessage(frame)
}

func (l *Local) Count() int {
	l.mu.RLock()
	n := len(l.users)
	l.mu.RUnlock()
	return n
}
