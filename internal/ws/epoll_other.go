//go:build !linux

package ws

import (
	"net"
	"sync"
)

// loopPoller is the non-Linux fallback: one reader goroutine per
// connection, each looping over the shared read path until the connection
// is removed.
type loopPoller struct {
	mu      sync.Mutex
	active  map[*Connection]struct{}
	read    func(*Connection)
	pending []*Connection // added before Run started
	done    <-chan struct{}
}

func newPoller(int) (poller, error) {
	return &loopPoller{active: make(map[*Connection]struct{})}, nil
}

func (p *loopPoller) Add(c *Connection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active[c] = struct{}{}
	if p.read == nil {
		p.pending = append(p.pending, c)
		return nil
	}
	go p.loop(c)
	return nil
}

func (p *loopPoller) Remove(c *Connection) error {
	p.mu.Lock()
	delete(p.active, c)
	p.mu.Unlock()
	return nil
}

func (p *loopPoller) Run(done <-chan struct{}, read func(*Connection)) {
	p.mu.Lock()
	p.read, p.done = read, done
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		go p.loop(c)
	}
	<-done
}

func (p *loopPoller) loop(c *Connection) {
	for p.isActive(c) {
		select {
		case <-p.done:
			return
		default:
		}
		p.read(c)
	}
}

func (p *loopPoller) isActive(c *Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[c]
	return ok
}

func (p *loopPoller) Close() error {
	p.mu.Lock()
	p.active = make(map[*Connection]struct{})
	p.mu.Unlock()
	return nil
}

// socketFD is unused without epoll.
func socketFD(net.Conn) int {
	return -1
}
