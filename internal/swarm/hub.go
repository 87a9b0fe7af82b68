package swarm

import (
	"context"
	"net"
	"sync"

	"pkt.systems/licshare/internal/svcfields"
	"pkt.systems/pslog"
)

// Hub is an in-process rendezvous. Swarms created from the same hub that
// join the same topic are connected pairwise with in-memory pipes.
type Hub struct {
	mu     sync.Mutex
	topics map[Topic]map[*MemorySwarm]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[Topic]map[*MemorySwarm]struct{})}
}

// Swarm creates a swarm attached to the hub.
func (h *Hub) Swarm(peerID string, logger pslog.Logger) *MemorySwarm {
	logger = svcfields.WithSubsystem(logger, "swarm.memory")
	return &MemorySwarm{base: newBase(peerID, logger), hub: h, joined: make(map[Topic]struct{})}
}

// MemorySwarm is a Swarm whose connections are net.Pipe pairs.
type MemorySwarm struct {
	*base
	hub *Hub

	mu     sync.Mutex
	joined map[Topic]struct{}
}

var _ Swarm = (*MemorySwarm)(nil)

// Join connects to every other member of topic.
func (s *MemorySwarm) Join(ctx context.Context, topic Topic) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.base.mu.Lock()
	closed := s.base.closed
	s.base.mu.Unlock()
	if closed {
		return ErrClosed
	}
	s.mu.Lock()
	s.joined[topic] = struct{}{}
	s.mu.Unlock()

	s.hub.mu.Lock()
	members := s.hub.topics[topic]
	if members == nil {
		members = make(map[*MemorySwarm]struct{})
		s.hub.topics[topic] = members
	}
	var others []*MemorySwarm
	for other := range members {
		if other != s {
			others = append(others, other)
		}
	}
	members[s] = struct{}{}
	s.hub.mu.Unlock()

	for _, other := range others {
		if s.connByPeer(other.peerID) != nil {
			continue
		}
		local, remote := net.Pipe()
		if _, err := other.attach(remote, s.peerID, false); err != nil {
			_ = local.Close()
			continue
		}
		if _, err := s.attach(local, other.peerID, true); err != nil {
			return err
		}
	}
	s.logger.Debug("swarm.topic.joined", "topic", topic.String()[:16], "peers", len(others))
	return nil
}

// Leave stops new connections on topic.
func (s *MemorySwarm) Leave(topic Topic) error {
	s.mu.Lock()
	delete(s.joined, topic)
	s.mu.Unlock()
	s.hub.mu.Lock()
	if members := s.hub.topics[topic]; members != nil {
		delete(members, s)
		if len(members) == 0 {
			delete(s.hub.topics, topic)
		}
	}
	s.hub.mu.Unlock()
	return nil
}

// Disconnect closes the connection to peer, if any.
func (s *MemorySwarm) Disconnect(peer string) bool {
	c := s.connByPeer(peer)
	if c == nil {
		return false
	}
	_ = c.Close()
	return true
}

// Close leaves every topic and closes all connections.
func (s *MemorySwarm) Close() error {
	s.mu.Lock()
	topics := make([]Topic, 0, len(s.joined))
	for topic := range s.joined {
		topics = append(topics, topic)
	}
	s.mu.Unlock()
	for _, topic := range topics {
		_ = s.Leave(topic)
	}
	s.closeAll()
	return nil
}
