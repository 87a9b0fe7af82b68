package swarm

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/xid"

	"pkt.systems/pslog"
)

const eventBuffer = 1024

// base holds the connection table and event stream shared by swarm
// implementations.
type base struct {
	peerID   string
	logger   pslog.Logger
	events   chan Event
	stopping chan struct{}
	done     chan struct{}

	mu     sync.Mutex
	conns  map[string]*streamConn
	closed bool
	wg     sync.WaitGroup
}

func newBase(peerID string, logger pslog.Logger) *base {
	if peerID == "" {
		peerID = xid.New().String()
	}
	return &base{
		peerID:   peerID,
		logger:   logger,
		events:   make(chan Event, eventBuffer),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
		conns:    make(map[string]*streamConn),
	}
}

func (b *base) PeerID() string {
	return b.peerID
}

func (b *base) Events() <-chan Event {
	return b.events
}

// emit delivers ev, giving up once the swarm is shutting down so a
// consumer that stopped reading cannot wedge Close.
func (b *base) emit(ev Event) {
	select {
	case b.events <- ev:
		return
	default:
	}
	select {
	case b.events <- ev:
	case <-b.stopping:
	}
}

// Flush waits for every connection's outbound queue to drain.
func (b *base) Flush(ctx context.Context) error {
	b.mu.Lock()
	conns := make([]*streamConn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		if err := c.flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// connByPeer returns the live connection to peer, if any.
func (b *base) connByPeer(peer string) *streamConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		if c.peer == peer {
			return c
		}
	}
	return nil
}

// attach registers a connection to peer and starts its loops. It returns
// ErrClosed when the swarm is shutting down.
func (b *base) attach(nc net.Conn, peer string, dialed bool) (*streamConn, error) {
	c := &streamConn{
		id:     xid.New().String(),
		peer:   peer,
		dialed: dialed,
		conn:   nc,
		owner:  b,
		idle:   closedChan(),
		closed: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = nc.Close()
		return nil, ErrClosed
	}
	b.conns[c.id] = c
	b.wg.Add(2)
	b.mu.Unlock()
	b.logger.Debug("swarm.conn.open", "conn", c.id, "peer", peer, "dialed", dialed)
	b.emit(Event{Kind: EventOpen, Conn: c})
	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

func (b *base) detach(c *streamConn) {
	b.mu.Lock()
	delete(b.conns, c.id)
	b.mu.Unlock()
}

func (b *base) closeAll() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.stopping)
	conns := make([]*streamConn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	b.wg.Wait()
	close(b.done)
}

// streamConn frames messages over a net.Conn. Sends are queued and written
// by a dedicated goroutine so callers never block on a slow peer.
type streamConn struct {
	id     string
	peer   string
	dialed bool
	conn   net.Conn
	owner  *base

	mu       sync.Mutex
	cond     *sync.Cond
	queue    [][]byte
	inflight int
	idle     chan struct{}
	stopping bool

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *streamConn) ID() string   { return c.id }
func (c *streamConn) Peer() string { return c.peer }

// Done is closed once the connection has ended.
func (c *streamConn) Done() <-chan struct{} {
	return c.closed
}

func (c *streamConn) Send(ch Channel, payload []byte) error {
	frame, err := encodeFrame(ch, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return ErrClosed
	}
	if len(c.queue) == 0 && c.inflight == 0 {
		c.idle = make(chan struct{})
	}
	c.queue = append(c.queue, frame)
	c.cond.Signal()
	return nil
}

func (c *streamConn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *streamConn) flush(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-c.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *streamConn) writeLoop() {
	defer c.owner.wg.Done()
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.stopping {
			c.cond.Wait()
		}
		if c.stopping {
			c.mu.Unlock()
			return
		}
		batch := c.queue
		c.queue = nil
		c.inflight = len(batch)
		c.mu.Unlock()

		for _, frame := range batch {
			if _, err := c.conn.Write(frame); err != nil {
				c.shutdown(err)
				return
			}
		}

		c.mu.Lock()
		c.inflight = 0
		if len(c.queue) == 0 {
			close(c.idle)
		}
		c.mu.Unlock()
	}
}

func (c *streamConn) readLoop() {
	defer c.owner.wg.Done()
	for {
		ch, payload, err := readFrame(c.conn)
		if err != nil {
			c.shutdown(err)
			return
		}
		if ch == channelHandshake {
			continue
		}
		c.owner.emit(Event{Kind: EventData, Conn: c, Channel: ch, Payload: payload})
	}
}

func (c *streamConn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.stopping = true
		c.cond.Broadcast()
		c.mu.Unlock()
		_ = c.conn.Close()
		c.owner.detach(c)
		if cause != nil && (errors.Is(cause, io.EOF) || errors.Is(cause, net.ErrClosed) || errors.Is(cause, io.ErrClosedPipe)) {
			cause = nil
		}
		if cause != nil {
			c.owner.logger.Debug("swarm.conn.error", "conn", c.id, "peer", c.peer, "error", cause)
		} else {
			c.owner.logger.Debug("swarm.conn.closed", "conn", c.id, "peer", c.peer)
		}
		close(c.closed)
		c.owner.emit(Event{Kind: EventClose, Conn: c, Err: cause})
	})
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
