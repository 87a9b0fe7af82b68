// Package swarm finds peers sharing a topic and carries framed messages
// between them. Each connection multiplexes a control channel (membership
// signalling) and a replication channel (raw log traffic) over one ordered
// byte stream, so a message sent on one channel after another sent on the
// other channel is always delivered after it.
package swarm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a closed swarm or connection.
var ErrClosed = errors.New("swarm: closed")

// Channel selects the logical stream of a frame.
type Channel byte

const (
	// ChannelControl carries membership messages.
	ChannelControl Channel = 0
	// ChannelReplication carries log replication messages.
	ChannelReplication Channel = 1

	channelHandshake Channel = 0xff
)

func (c Channel) String() string {
	switch c {
	case ChannelControl:
		return "control"
	case ChannelReplication:
		return "replication"
	case channelHandshake:
		return "handshake"
	default:
		return fmt.Sprintf("channel(%d)", byte(c))
	}
}

// Topic is the rendezvous key peers join.
type Topic [sha256.Size]byte

// TopicFor derives the topic of a realm.
func TopicFor(realm string) Topic {
	return sha256.Sum256([]byte("hyper://" + realm + "-share"))
}

func (t Topic) String() string {
	return hex.EncodeToString(t[:])
}

// ParseTopic decodes a hex topic.
func ParseTopic(s string) (Topic, error) {
	var t Topic
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != len(t) {
		return t, fmt.Errorf("swarm: invalid topic %q", s)
	}
	copy(t[:], raw)
	return t, nil
}

// EventKind classifies connection events.
type EventKind int

const (
	// EventOpen is delivered once when a connection is established.
	EventOpen EventKind = iota
	// EventData carries one received frame.
	EventData
	// EventClose is delivered once when a connection ends. Err is set when
	// the connection failed rather than closed cleanly.
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventData:
		return "data"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is delivered on Swarm.Events in the order it happened on each
// connection.
type Event struct {
	Kind    EventKind
	Conn    Conn
	Channel Channel
	Payload []byte
	Err     error
}

// Conn is one established peer connection.
type Conn interface {
	// ID is unique per connection.
	ID() string
	// Peer is the remote swarm's peer id.
	Peer() string
	// Send queues payload on channel without waiting for the peer.
	Send(ch Channel, payload []byte) error
	Close() error
}

// Swarm is the discovery and transport substrate.
type Swarm interface {
	// Join starts discovering and connecting to peers on topic.
	Join(ctx context.Context, topic Topic) error
	// Leave stops discovery on topic. Established connections stay open.
	Leave(topic Topic) error
	// Flush waits until every queued outbound frame has been written.
	Flush(ctx context.Context) error
	// Events delivers connection events.
	Events() <-chan Event
	// PeerID identifies this swarm to others.
	PeerID() string
	Close() error
}
