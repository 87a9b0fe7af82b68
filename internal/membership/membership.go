// Package membership runs the join/leave handshake on control connections.
// Every connection is a small state machine: Connected on open, Joined once
// the peer announced its writer and reader identities, Closed when the
// connection ends. Joining adds the identities to the log, closing removes
// them again, and both force a remote rebuild.
package membership

import (
	"context"
	"errors"
	"sort"
	"sync"

	json "github.com/goccy/go-json"

	"pkt.systems/licshare/internal/svcfields"
	"pkt.systems/licshare/internal/swarm"
	"pkt.systems/pslog"
)

const (
	// TypeJoin announces the sender's writer and reader identities.
	TypeJoin = "join"
	// TypeRebase asks the receiver to pull the latest log state.
	TypeRebase = "rebase"
)

// Message is a control channel message.
type Message struct {
	Type   string `json:"type"`
	Writer string `json:"writer,omitempty"`
	Reader string `json:"reader,omitempty"`
}

// State of a participant connection.
type State int

const (
	Connected State = iota
	Joined
	Closed
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Joined:
		return "joined"
	default:
		return "closed"
	}
}

// Log is the topology side of the log substrate. Adds and removes must be
// idempotent.
type Log interface {
	AddWriter(key string) error
	RemoveWriter(key string) error
	AddReader(key string) error
	RemoveReader(key string) error
}

// Scheduler triggers rebuilds.
type Scheduler interface {
	ScheduleUpdate(remote bool) <-chan error
}

// Participant is the membership record of one connection.
type Participant struct {
	Conn   swarm.Conn
	Writer string
	Reader string
	State  State
}

// Config wires a Protocol.
type Config struct {
	// Writer and Reader are the local identities announced on every
	// connection.
	Writer    string
	Reader    string
	Log       Log
	Scheduler Scheduler
	Logger    pslog.Logger
}

// Protocol owns the participant set.
type Protocol struct {
	writer string
	reader string
	log    Log
	sched  Scheduler
	logger pslog.Logger

	mu           sync.Mutex
	participants map[string]*Participant
	changed      chan struct{}
}

// New builds a Protocol.
func New(cfg Config) (*Protocol, error) {
	if cfg.Writer == "" || cfg.Reader == "" {
		return nil, errors.New("membership: local writer and reader required")
	}
	if cfg.Log == nil || cfg.Scheduler == nil {
		return nil, errors.New("membership: log and scheduler required")
	}
	return &Protocol{
		writer:       cfg.Writer,
		reader:       cfg.Reader,
		log:          cfg.Log,
		sched:        cfg.Scheduler,
		logger:       svcfields.WithSubsystem(cfg.Logger, "membership"),
		participants: make(map[string]*Participant),
		changed:      make(chan struct{}),
	}, nil
}

// Changed returns a channel closed on the next join or leave. Take it before
// inspecting Participants so no change is missed.
func (p *Protocol) Changed() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.changed
}

// Joined returns the number of participants that completed the join.
func (p *Protocol) Joined() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, part := range p.participants {
		if part.State == Joined {
			n++
		}
	}
	return n
}

func (p *Protocol) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Handle dispatches a swarm event. Replication frames are ignored.
func (p *Protocol) Handle(ev swarm.Event) {
	switch ev.Kind {
	case swarm.EventOpen:
		p.HandleOpen(ev.Conn)
	case swarm.EventData:
		if ev.Channel == swarm.ChannelControl {
			p.HandleMessage(ev.Conn, ev.Payload)
		}
	case swarm.EventClose:
		p.HandleClose(ev.Conn, ev.Err)
	}
}

// HandleOpen registers the connection and sends the local join.
func (p *Protocol) HandleOpen(conn swarm.Conn) {
	p.mu.Lock()
	if _, ok := p.participants[conn.ID()]; !ok {
		p.participants[conn.ID()] = &Participant{Conn: conn, State: Connected}
	}
	p.mu.Unlock()
	p.logger.Debug("membership.connected", "conn", conn.ID(), "peer", conn.Peer())
	if err := p.send(conn, Message{Type: TypeJoin, Writer: p.writer, Reader: p.reader}); err != nil {
		p.logger.Warn("membership.join.send_failed", "conn", conn.ID(), "peer", conn.Peer(), "error", err)
	}
}

// HandleMessage processes one control frame.
func (p *Protocol) HandleMessage(conn swarm.Conn, payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		p.logger.Debug("membership.message.invalid", "conn", conn.ID(), "error", err)
		return
	}
	switch msg.Type {
	case TypeJoin:
		p.handleJoin(conn, msg)
	case TypeRebase:
		p.logger.Trace("membership.rebase.received", "conn", conn.ID(), "peer", conn.Peer())
		p.sched.ScheduleUpdate(true)
	default:
		p.logger.Debug("membership.message.unknown", "conn", conn.ID(), "type", msg.Type)
	}
}

func (p *Protocol) handleJoin(conn swarm.Conn, msg Message) {
	if msg.Writer == "" || msg.Reader == "" {
		p.logger.Debug("membership.join.invalid", "conn", conn.ID(), "writer", msg.Writer, "reader", msg.Reader)
		return
	}
	p.mu.Lock()
	part, ok := p.participants[conn.ID()]
	if !ok {
		part = &Participant{Conn: conn, State: Connected}
		p.participants[conn.ID()] = part
	}
	if part.State == Closed {
		p.mu.Unlock()
		return
	}
	first := part.State == Connected
	if first {
		part.Writer = msg.Writer
		part.Reader = msg.Reader
		part.State = Joined
		p.notifyLocked()
	}
	writer, reader := part.Writer, part.Reader
	p.mu.Unlock()

	if err := p.log.AddWriter(writer); err != nil {
		p.logger.Warn("membership.writer.add_failed", "conn", conn.ID(), "writer", writer, "error", err)
	}
	if err := p.log.AddReader(reader); err != nil {
		p.logger.Warn("membership.reader.add_failed", "conn", conn.ID(), "reader", reader, "error", err)
	}
	if first {
		p.logger.Info("membership.joined", "conn", conn.ID(), "peer", conn.Peer(), "writer", writer, "reader", reader)
	} else if msg.Writer != writer || msg.Reader != reader {
		p.logger.Debug("membership.join.identity_ignored", "conn", conn.ID(), "writer", msg.Writer, "reader", msg.Reader)
	}
	p.sched.ScheduleUpdate(true)
}

// HandleClose tears the participant down. Identities recorded at join are
// removed from the log unless another live connection announced them too.
func (p *Protocol) HandleClose(conn swarm.Conn, cause error) {
	p.mu.Lock()
	part, ok := p.participants[conn.ID()]
	if !ok || part.State == Closed {
		p.mu.Unlock()
		return
	}
	joined := part.State == Joined
	part.State = Closed
	delete(p.participants, conn.ID())
	if joined {
		p.notifyLocked()
	}
	writerShared, readerShared := false, false
	for _, other := range p.participants {
		if other.State != Joined {
			continue
		}
		writerShared = writerShared || other.Writer == part.Writer
		readerShared = readerShared || other.Reader == part.Reader
	}
	p.mu.Unlock()

	if joined {
		if !writerShared {
			if err := p.log.RemoveWriter(part.Writer); err != nil {
				p.logger.Warn("membership.writer.remove_failed", "conn", conn.ID(), "writer", part.Writer, "error", err)
			}
		}
		if !readerShared {
			if err := p.log.RemoveReader(part.Reader); err != nil {
				p.logger.Warn("membership.reader.remove_failed", "conn", conn.ID(), "reader", part.Reader, "error", err)
			}
		}
	}
	if cause != nil {
		p.logger.Info("membership.left", "conn", conn.ID(), "peer", conn.Peer(), "writer", part.Writer, "error", cause)
	} else {
		p.logger.Info("membership.left", "conn", conn.ID(), "peer", conn.Peer(), "writer", part.Writer)
	}
	p.sched.ScheduleUpdate(true)
}

// Broadcast sends rebase to every joined participant. Failures are logged.
func (p *Protocol) Broadcast(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	for _, part := range p.Participants() {
		if part.State != Joined {
			continue
		}
		if err := p.send(part.Conn, Message{Type: TypeRebase}); err != nil {
			p.logger.Debug("membership.rebase.send_failed", "conn", part.Conn.ID(), "peer", part.Conn.Peer(), "error", err)
		}
	}
}

// Participants returns a snapshot ordered by connection id.
func (p *Protocol) Participants() []Participant {
	p.mu.Lock()
	out := make([]Participant, 0, len(p.participants))
	for _, part := range p.participants {
		out = append(out, *part)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Conn.ID() < out[j].Conn.ID() })
	return out
}

func (p *Protocol) send(conn swarm.Conn, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.Send(swarm.ChannelControl, payload)
}
