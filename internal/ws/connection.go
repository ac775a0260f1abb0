package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one authenticated WebSocket client. Writes are serialized
// by writeMu so frames from the chat runtime, the orchestrator and the
// heartbeat never interleave.
type Connection struct {
	ID        string   // connection id (UUID)
	UserID    string   // authenticated user
	Conn      net.Conn // underlying TCP connection
	Fd        int      // file descriptor for epoll lookups, -1 without epoll
	CreatedAt time.Time

	writeTimeout time.Duration
	lastSeen     atomic.Int64 // unix nanos of the last frame read
	writeMu      sync.Mutex
	processing   int32 // atomic flag: 0 = idle, 1 = being read
	closed       atomic.Bool
}

func newConnection(id, userID string, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		UserID:       userID,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
	}
	c.Touch()
	return c
}

// WriteMessage sends a text frame. It satisfies presence.Conn.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last frame read.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Close closes the underlying network connection once.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of connections by connection
// id and by file descriptor.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFd map[int]*Connection
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	if conn.Fd >= 0 {
		cm.byFd[conn.Fd] = conn
	}
	cm.mu.Unlock()
}

// Remove drops a connection and closes it. Returns false if it was already
// gone, so concurrent removals clean up only once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		if cm.byFd[conn.Fd] == conn {
			delete(cm.byFd, conn.Fd)
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of the current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
