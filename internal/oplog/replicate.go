package oplog

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	json "github.com/goccy/go-json"

	"pkt.systems/licshare/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	msgHave = "have"
	msgData = "data"

	// DefaultChunkSize bounds the entries carried by one data message.
	DefaultChunkSize = 256
)

// Peer is the replication side of a connection.
type Peer interface {
	ID() string
	Send(payload []byte) error
}

// IngestFunc is notified after entries from a peer were added to the store.
type IngestFunc func(key string, added int, origin string)

type replicationMessage struct {
	Type    string            `json:"type"`
	Feeds   map[string]uint64 `json:"feeds,omitempty"`
	Key     string            `json:"key,omitempty"`
	Entries []Entry           `json:"entries,omitempty"`
}

// Replicator keeps the store in sync with connected peers. On connect both
// sides advertise their feed lengths and answer with whatever the other side
// is missing; afterwards every new local or ingested entry is pushed to all
// peers except the one it came from.
type Replicator struct {
	store    *Store
	logger   pslog.Logger
	chunk    int
	onIngest IngestFunc

	mu          sync.Mutex
	peers       map[string]Peer
	unsubscribe func()
}

// NewReplicator starts replicating store. onIngest may be nil.
func NewReplicator(store *Store, logger pslog.Logger, onIngest IngestFunc) *Replicator {
	r := &Replicator{
		store:    store,
		logger:   svcfields.WithSubsystem(logger, "oplog.replicate"),
		chunk:    DefaultChunkSize,
		onIngest: onIngest,
		peers:    make(map[string]Peer),
	}
	r.unsubscribe = store.Subscribe(r.forward)
	return r
}

// AddPeer starts replicating with p.
func (r *Replicator) AddPeer(p Peer) {
	r.mu.Lock()
	r.peers[p.ID()] = p
	r.mu.Unlock()
	if err := r.sendHave(p); err != nil {
		r.logger.Warn("oplog.replicate.have_failed", "peer", p.ID(), "error", err)
	}
}

// RemovePeer stops replicating with the peer id.
func (r *Replicator) RemovePeer(id string) {
	r.mu.Lock()
	delete(r.peers, id)
	r.mu.Unlock()
}

// Peers returns the number of connected peers.
func (r *Replicator) Peers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Handle processes one replication message received from p.
func (r *Replicator) Handle(p Peer, payload []byte) error {
	var msg replicationMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("oplog: decode replication message: %w", err)
	}
	switch msg.Type {
	case msgHave:
		return r.handleHave(p, msg.Feeds)
	case msgData:
		return r.handleData(p, msg.Key, msg.Entries)
	default:
		r.logger.Debug("oplog.replicate.unknown_message", "peer", p.ID(), "type", msg.Type)
		return nil
	}
}

// Close stops forwarding appends.
func (r *Replicator) Close() {
	r.mu.Lock()
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.peers = make(map[string]Peer)
	r.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (r *Replicator) handleHave(p Peer, theirs map[string]uint64) error {
	ours := r.store.Lengths()
	keys := make([]string, 0, len(ours))
	for key := range ours {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var errs []error
	for _, key := range keys {
		have := theirs[key]
		if ours[key] <= have {
			continue
		}
		feed, ok := r.store.Lookup(key)
		if !ok {
			continue
		}
		if err := r.sendRange(p, feed, have, ours[key]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Replicator) handleData(p Peer, key string, entries []Entry) error {
	if key == "" || len(entries) == 0 {
		return nil
	}
	added, err := r.store.Ingest(key, entries, p.ID())
	if added > 0 && r.onIngest != nil {
		r.onIngest(key, added, p.ID())
	}
	if errors.Is(err, ErrGap) {
		r.logger.Debug("oplog.replicate.gap", "peer", p.ID(), "feed", shortKey(key))
		return r.sendHave(p)
	}
	return err
}

func (r *Replicator) forward(key string, entries []Entry, origin string) {
	r.mu.Lock()
	targets := make([]Peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id != origin {
			targets = append(targets, p)
		}
	}
	r.mu.Unlock()
	if len(targets) == 0 {
		return
	}
	payload, err := json.Marshal(replicationMessage{Type: msgData, Key: key, Entries: entries})
	if err != nil {
		r.logger.Warn("oplog.replicate.encode_failed", "feed", shortKey(key), "error", err)
		return
	}
	for _, p := range targets {
		if err := p.Send(payload); err != nil {
			r.logger.Debug("oplog.replicate.push_failed", "peer", p.ID(), "feed", shortKey(key), "error", err)
		}
	}
}

func (r *Replicator) sendHave(p Peer) error {
	payload, err := json.Marshal(replicationMessage{Type: msgHave, Feeds: r.store.Lengths()})
	if err != nil {
		return err
	}
	return p.Send(payload)
}

func (r *Replicator) sendRange(p Peer, feed *Feed, from, to uint64) error {
	for from < to {
		end := min(from+uint64(r.chunk), to)
		entries := feed.Range(from, end)
		if len(entries) == 0 {
			return nil
		}
		payload, err := json.Marshal(replicationMessage{Type: msgData, Key: feed.Key(), Entries: entries})
		if err != nil {
			return err
		}
		if err := p.Send(payload); err != nil {
			return fmt.Errorf("oplog: send feed %s to %s: %w", shortKey(feed.Key()), p.ID(), err)
		}
		from = end
	}
	return nil
}
