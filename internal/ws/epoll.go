//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// epollPoller multiplexes reads over Linux epoll. Ready connections are
// handed to a bounded pool of read workers instead of keeping a goroutine
// parked on every socket.
type epollPoller struct {
	fd     int
	conns  map[int]*Connection // fd -> connection
	mu     sync.RWMutex
	events []unix.EpollEvent // reusable event buffer for Wait
	slots  chan struct{}     // worker pool semaphore
}

func newPoller(workers int) (poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = 1
	}
	return &epollPoller{
		fd:     fd,
		conns:  make(map[int]*Connection),
		events: make([]unix.EpollEvent, 128),
		slots:  make(chan struct{}, workers),
	}, nil
}

func (e *epollPoller) Add(c *Connection) error {
	if c.Fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(c.Fd),
	}); err != nil {
		return err
	}
	e.mu.Lock()
	e.conns[c.Fd] = c
	e.mu.Unlock()
	return nil
}

func (e *epollPoller) Remove(c *Connection) error {
	e.mu.Lock()
	if e.conns[c.Fd] == c {
		delete(e.conns, c.Fd)
	}
	e.mu.Unlock()
	return unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, c.Fd, nil)
}

// Run waits for readiness and dispatches each ready connection to a worker
// until done is closed.
func (e *epollPoller) Run(done <-chan struct{}, read func(*Connection)) {
	for {
		select {
		case <-done:
			return
		default:
		}

		n, err := unix.EpollWait(e.fd, e.events, 100)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			select {
			case <-done:
				return
			default:
				continue
			}
		}

		e.mu.RLock()
		ready := make([]*Connection, 0, n)
		for i := 0; i < n; i++ {
			if c, ok := e.conns[int(e.events[i].Fd)]; ok {
				ready = append(ready, c)
			}
		}
		e.mu.RUnlock()

		for _, c := range ready {
			c := c
			e.slots <- struct{}{}
			go func() {
				defer func() { <-e.slots }()
				read(c)
			}()
		}
	}
}

func (e *epollPoller) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns = nil
	return unix.Close(e.fd)
}

// socketFD extracts the descriptor through SyscallConn, which unlike File()
// does not duplicate it.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
