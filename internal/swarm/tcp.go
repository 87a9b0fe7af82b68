package swarm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"pkt.systems/licshare/internal/clock"
	"pkt.systems/licshare/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	defaultDialTimeout      = 5 * time.Second
	defaultHandshakeTimeout = 5 * time.Second
	defaultRedialBase       = 250 * time.Millisecond
	defaultRedialMax        = 15 * time.Second
	discoveredDialAttempts  = 3
)

// TCPConfig configures a TCP swarm.
type TCPConfig struct {
	// PeerID identifies this node; generated when empty.
	PeerID string
	// Listen is the address to accept peers on. Empty disables listening.
	Listen string
	// Advertise is the address announced to peers; defaults to the bound
	// listen address.
	Advertise string
	// Seeds are dialled on Join and redialled whenever they disconnect.
	Seeds []string

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	RedialBase       time.Duration
	RedialMax        time.Duration

	Logger pslog.Logger
	Clock  clock.Clock
}

type handshake struct {
	Topic  string   `json:"topic"`
	Peer   string   `json:"peer"`
	Listen string   `json:"listen,omitempty"`
	Peers  []string `json:"peers,omitempty"`
}

// TCP is a Swarm over plain TCP. Peers rendezvous through seed addresses
// and learn about each other through the peer lists exchanged in the
// handshake.
type TCP struct {
	*base
	cfg   TCPConfig
	clock clock.Clock

	mu       sync.Mutex
	topic    Topic
	joined   bool
	listener net.Listener
	addr     string
	loopCtx  context.Context
	cancel   context.CancelFunc
	known    map[string]string
	dialing  map[string]bool
	loops    sync.WaitGroup
}

var _ Swarm = (*TCP)(nil)

// NewTCP builds a TCP swarm. Nothing listens or dials until Join.
func NewTCP(cfg TCPConfig) *TCP {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.RedialBase <= 0 {
		cfg.RedialBase = defaultRedialBase
	}
	if cfg.RedialMax <= 0 {
		cfg.RedialMax = defaultRedialMax
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "swarm.tcp")
	return &TCP{
		base:    newBase(cfg.PeerID, logger),
		cfg:     cfg,
		clock:   clk,
		known:   make(map[string]string),
		dialing: make(map[string]bool),
	}
}

// Addr returns the advertised listen address once joined.
func (s *TCP) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Join starts listening and dialling seeds for topic. A TCP swarm serves a
// single topic at a time.
func (s *TCP) Join(ctx context.Context, topic Topic) error {
	s.mu.Lock()
	if s.joined {
		same := s.topic == topic
		s.mu.Unlock()
		if same {
			return nil
		}
		return fmt.Errorf("swarm: already joined topic %s", s.topic.String()[:16])
	}
	s.base.mu.Lock()
	closed := s.base.closed
	s.base.mu.Unlock()
	if closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.cfg.Listen != "" {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", s.cfg.Listen)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("swarm: listen %s: %w", s.cfg.Listen, err)
		}
		s.listener = ln
		s.addr = s.cfg.Advertise
		if s.addr == "" {
			s.addr = ln.Addr().String()
		}
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s.topic = topic
	s.joined = true
	s.loopCtx = loopCtx
	s.cancel = cancel
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		s.loops.Add(1)
		go s.acceptLoop(loopCtx, ln)
	}
	for _, seed := range s.cfg.Seeds {
		seed = strings.TrimSpace(seed)
		if seed == "" || seed == s.Addr() {
			continue
		}
		s.startDial(loopCtx, seed, 0)
	}
	s.logger.Info("swarm.topic.joined", "topic", topic.String()[:16], "listen", s.Addr(), "seeds", len(s.cfg.Seeds), "peer", s.peerID)
	return nil
}

// Leave stops accepting and dialling. Established connections stay open.
func (s *TCP) Leave(topic Topic) error {
	s.mu.Lock()
	if !s.joined || s.topic != topic {
		s.mu.Unlock()
		return nil
	}
	s.joined = false
	cancel := s.cancel
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	cancel()
	if ln != nil {
		_ = ln.Close()
	}
	s.loops.Wait()
	return nil
}

// Close leaves the topic and closes every connection.
func (s *TCP) Close() error {
	s.mu.Lock()
	topic, joined := s.topic, s.joined
	s.mu.Unlock()
	if joined {
		_ = s.Leave(topic)
	}
	s.closeAll()
	return nil
}

func (s *TCP) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.loops.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("swarm.accept.error", "error", err)
			continue
		}
		s.loops.Add(1)
		go func() {
			defer s.loops.Done()
			if _, err := s.handshake(nc, false); err != nil {
				s.logger.Debug("swarm.handshake.rejected", "remote", nc.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

// startDial runs a dial loop for addr unless one is already running.
// attempts of zero redials forever.
func (s *TCP) startDial(ctx context.Context, addr string, attempts int) {
	s.mu.Lock()
	if s.dialing[addr] || addr == s.addr {
		s.mu.Unlock()
		return
	}
	s.dialing[addr] = true
	s.mu.Unlock()
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		defer func() {
			s.mu.Lock()
			delete(s.dialing, addr)
			s.mu.Unlock()
		}()
		s.dialLoop(ctx, addr, attempts)
	}()
}

func (s *TCP) dialLoop(ctx context.Context, addr string, attempts int) {
	delay := s.cfg.RedialBase
	failures := 0
	for ctx.Err() == nil {
		conn, err := s.dial(ctx, addr)
		if err == nil && conn != nil {
			delay = s.cfg.RedialBase
			failures = 0
			select {
			case <-conn.Done():
			case <-ctx.Done():
				return
			}
			if attempts > 0 {
				return
			}
			continue
		}
		if errors.Is(err, errSelf) || errors.Is(err, errTopicMismatch) {
			s.logger.Warn("swarm.dial.abandoned", "addr", addr, "error", err)
			return
		}
		failures++
		if err != nil {
			s.logger.Debug("swarm.dial.failed", "addr", addr, "attempt", failures, "error", err)
		}
		if attempts > 0 && failures >= attempts {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(delay):
		}
		delay = time.Duration(float64(delay) * 2)
		if delay > s.cfg.RedialMax {
			delay = s.cfg.RedialMax
		}
	}
}

// dial connects to addr. When the remote peer is already connected it waits
// on that connection instead, so a seed is not redialled in a tight loop.
func (s *TCP) dial(ctx context.Context, addr string) (*streamConn, error) {
	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := s.handshake(nc, true)
	if errors.Is(err, errDuplicate) {
		s.mu.Lock()
		peer := s.peerForAddrLocked(addr)
		s.mu.Unlock()
		if existing := s.connByPeer(peer); existing != nil {
			return existing, nil
		}
	}
	return conn, err
}

var (
	errDuplicate     = errors.New("swarm: duplicate connection")
	errSelf          = errors.New("swarm: connected to self")
	errTopicMismatch = errors.New("swarm: topic mismatch")
)

func (s *TCP) handshake(nc net.Conn, dialed bool) (*streamConn, error) {
	s.mu.Lock()
	topic := s.topic
	hello := handshake{Topic: topic.String(), Peer: s.peerID, Listen: s.addr}
	for _, addr := range s.known {
		if addr != "" {
			hello.Peers = append(hello.Peers, addr)
		}
	}
	s.mu.Unlock()
	slices.Sort(hello.Peers)

	payload, err := json.Marshal(hello)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	frame, err := encodeFrame(channelHandshake, payload)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	_ = nc.SetDeadline(s.clock.Now().Add(s.cfg.HandshakeTimeout))
	if _, err := nc.Write(frame); err != nil {
		_ = nc.Close()
		return nil, err
	}
	ch, raw, err := readFrame(nc)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})
	if ch != channelHandshake {
		_ = nc.Close()
		return nil, fmt.Errorf("swarm: expected handshake, got %s frame", ch)
	}
	var remote handshake
	if err := json.Unmarshal(raw, &remote); err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("swarm: decode handshake: %w", err)
	}
	if remote.Topic != topic.String() {
		_ = nc.Close()
		return nil, errTopicMismatch
	}
	if remote.Peer == "" || remote.Peer == s.peerID {
		_ = nc.Close()
		return nil, errSelf
	}

	if existing := s.connByPeer(remote.Peer); existing != nil {
		// Both sides keep the connection dialled by the smaller peer id.
		keeper := min(s.peerID, remote.Peer)
		existingDialer := remote.Peer
		if existing.dialed {
			existingDialer = s.peerID
		}
		if existingDialer == keeper {
			_ = nc.Close()
			s.rememberPeer(remote.Peer, remote.Listen)
			return nil, errDuplicate
		}
		_ = existing.Close()
	}

	s.rememberPeer(remote.Peer, remote.Listen)
	conn, err := s.attach(nc, remote.Peer, dialed)
	if err != nil {
		return nil, err
	}
	s.exchange(remote.Peers)
	return conn, nil
}

func (s *TCP) rememberPeer(peer, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if addr != "" || s.known[peer] == "" {
		s.known[peer] = addr
	}
}

func (s *TCP) peerForAddrLocked(addr string) string {
	for peer, known := range s.known {
		if known == addr {
			return peer
		}
	}
	return ""
}

// exchange dials advertised peers this swarm has no connection to.
func (s *TCP) exchange(addrs []string) {
	s.mu.Lock()
	if !s.joined {
		s.mu.Unlock()
		return
	}
	ctx := s.loopCtx
	var targets []string
	for _, addr := range addrs {
		if addr == "" || addr == s.addr {
			continue
		}
		peer := s.peerForAddrLocked(addr)
		if peer != "" && s.connByPeer(peer) != nil {
			continue
		}
		targets = append(targets, addr)
	}
	s.mu.Unlock()
	for _, addr := range targets {
		s.logger.Debug("swarm.peer.discovered", "addr", addr)
		s.startDial(ctx, addr, discoveredDialAttempts)
	}
}
