package licshare

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	json "github.com/goccy/go-json"

	"pkt.systems/licshare/api"
	"pkt.systems/licshare/internal/clock"
	"pkt.systems/licshare/internal/coord"
	"pkt.systems/licshare/internal/leasewatch"
	"pkt.systems/licshare/internal/membership"
	"pkt.systems/licshare/internal/oplog"
	"pkt.systems/licshare/internal/reducer"
	"pkt.systems/licshare/internal/svcfields"
	"pkt.systems/licshare/internal/swarm"
	"pkt.systems/licshare/internal/view"
	"pkt.systems/pslog"
)

var (
	// ErrNotStarted is returned by API calls made before Start.
	ErrNotStarted = errors.New("licshare: node not started")
	// ErrClosed is returned by API calls made after Close.
	ErrClosed = errors.New("licshare: node closed")
	// ErrLeaseLost is returned by KeepAlive when another user holds the lease
	// or the licence disappeared.
	ErrLeaseLost = errors.New("licshare: lease lost")
)

const (
	stateNew int32 = iota
	stateStarting
	stateStarted
	stateClosed
)

// Node is one licshare peer: a replicated operation log, the view reduced
// from it and the protocols keeping both in step with other peers.
type Node struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock
	out    io.Writer
	opts   options

	state     atomic.Int32
	startedAt time.Time
	realm     string
	topic     swarm.Topic

	store   *oplog.Store
	log     *oplog.Log
	view    *view.View
	lin     *oplog.Linearizer
	coord   *coord.Coordinator
	members *membership.Protocol
	leases  *leasewatch.Manager
	repl    *oplog.Replicator
	swarm   swarm.Swarm
	tel     *telemetry
	metrics *nodeMetrics

	catchUp  atomic.Bool
	looping  bool
	stop     chan struct{}
	loopDone chan struct{}
	closeMu  sync.Mutex
}

// New validates cfg and prepares a node. Nothing is opened until Start.
func New(cfg Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.Swarm != nil && o.Hub != nil {
		return nil, errors.New("licshare: WithSwarm and WithHub are mutually exclusive")
	}
	logger := svcfields.WithSubsystem(o.Logger, "licshare")
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	out := o.Output
	if out == nil {
		out = os.Stderr
	}
	return &Node{
		cfg:      cfg,
		logger:   logger,
		clock:    clk,
		out:      out,
		opts:     o,
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}, nil
}

// Config returns the validated configuration.
func (n *Node) Config() Config {
	return n.cfg
}

// Start opens the log, runs the first local rebuild and joins the swarm.
func (n *Node) Start(ctx context.Context) (err error) {
	if !n.state.CompareAndSwap(stateNew, stateStarting) {
		if n.state.Load() == stateClosed {
			return ErrClosed
		}
		return errors.New("licshare: node already started")
	}
	defer func() {
		if err != nil {
			n.teardown(context.Background())
			n.state.Store(stateClosed)
		}
	}()
	n.startedAt = n.clock.Now()

	n.tel, err = setupTelemetry(ctx, n.cfg.OTLPEndpoint, n.cfg.MetricsListen, n.logger)
	if err != nil {
		return err
	}
	if n.store, err = oplog.OpenStore(n.cfg.StoreDir(), n.opts.Logger); err != nil {
		return fmt.Errorf("licshare: open store: %w", err)
	}
	if n.log, err = oplog.NewLog(n.store, n.opts.Logger); err != nil {
		return fmt.Errorf("licshare: open log: %w", err)
	}
	for _, key := range n.cfg.Writers {
		if err := n.log.AddWriter(key); err != nil {
			return fmt.Errorf("licshare: seed writer %s: %w", key, err)
		}
	}
	for _, key := range n.cfg.Indexes {
		if err := n.log.AddReader(key); err != nil {
			return fmt.Errorf("licshare: seed index %s: %w", key, err)
		}
	}
	n.log.Open()

	n.realm = n.cfg.Realm
	if n.realm == "" {
		n.realm = n.log.WriterKey()[:16]
	}
	n.topic = swarm.TopicFor(n.realm)

	n.view = view.New()
	n.metrics = newNodeMetrics(n.logger, n.view)
	n.lin = n.log.Linearize(n.view, n.reduce)

	switch {
	case n.opts.Swarm != nil:
		n.swarm = n.opts.Swarm
	case n.opts.Hub != nil:
		n.swarm = n.opts.Hub.Swarm(n.log.WriterKey(), n.opts.Logger)
	default:
		n.swarm = swarm.NewTCP(swarm.TCPConfig{
			PeerID: n.log.WriterKey(),
			Listen: n.cfg.Listen,
			Seeds:  n.cfg.Peers,
			Logger: n.opts.Logger,
		})
	}

	n.coord, err = coord.New(coord.Config{
		Log:         n.log,
		Linearizer:  n.lin,
		Flush:       n.swarm.Flush,
		Dump:        n.dump,
		AfterUpdate: []func(context.Context, coord.Result){n.scanLeases},
		Broadcast:   func(ctx context.Context) { n.members.Broadcast(ctx) },
		Logger:      n.opts.Logger,
		Clock:       n.clock,
	})
	if err != nil {
		return err
	}
	n.members, err = membership.New(membership.Config{
		Writer:    n.log.WriterKey(),
		Reader:    n.log.ReaderKey(),
		Log:       n.log,
		Scheduler: n.coord,
		Logger:    n.opts.Logger,
	})
	if err != nil {
		return err
	}
	n.leases, err = leasewatch.New(leasewatch.Config{
		Timeout: n.cfg.LeaseTimeout,
		Post: func(name string, fn leasewatch.Task) {
			n.coord.Post(name, coord.Task(fn))
		},
		Expire: n.expire,
		Clock:  n.clock,
		Logger: n.opts.Logger,
	})
	if err != nil {
		return err
	}
	n.repl = oplog.NewReplicator(n.store, n.opts.Logger, n.ingested)

	n.looping = true
	go n.eventLoop()

	if err := n.coord.Update(ctx, false); err != nil {
		return fmt.Errorf("licshare: initial update: %w", err)
	}
	if err := n.swarm.Join(ctx, n.topic); err != nil {
		return fmt.Errorf("licshare: join swarm: %w", err)
	}
	n.logger.Info("licshare.node.started",
		"realm", n.realm,
		"mandate", n.cfg.Mandate,
		"identity", n.cfg.Identity,
		"writer", n.log.WriterKey(),
		"reader", n.log.ReaderKey(),
		"persistent", n.store.Dir() != "",
	)
	if !n.state.CompareAndSwap(stateStarting, stateStarted) {
		return ErrClosed
	}
	return nil
}

// Close leaves the swarm and releases every resource. It is safe to call
// more than once.
func (n *Node) Close(ctx context.Context) error {
	if prev := n.state.Swap(stateClosed); prev != stateStarted {
		return nil
	}
	return n.teardown(ctx)
}

func (n *Node) teardown(ctx context.Context) error {
	n.closeMu.Lock()
	defer n.closeMu.Unlock()
	var errs []error
	if n.swarm != nil {
		if err := n.swarm.Close(); err != nil {
			errs = append(errs, err)
		}
		select {
		case <-n.stop:
		default:
			close(n.stop)
		}
		if n.looping {
			<-n.loopDone
		}
	}
	if n.leases != nil {
		n.leases.Stop()
	}
	if n.coord != nil {
		n.coord.Stop()
	}
	if n.repl != nil {
		n.repl.Close()
	}
	n.metrics.close()
	if n.store != nil {
		if err := n.store.Close(); err != nil && !errors.Is(err, oplog.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if err := n.tel.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		n.logger.Info("licshare.node.closed")
	}
	return errors.Join(errs...)
}

func (n *Node) ready() error {
	switch n.state.Load() {
	case stateNew, stateStarting:
		return ErrNotStarted
	case stateClosed:
		return ErrClosed
	}
	return nil
}

// Register adds a licence. Registering an existing id is a no-op in the
// view (first registration wins).
func (n *Node) Register(ctx context.Context, id, data string) error {
	if err := n.ready(); err != nil {
		return err
	}
	if _, err := n.append(ctx, api.RegisterOp(id, data)); err != nil {
		return err
	}
	return n.coord.Update(ctx, false)
}

// RegisterData registers data under the hex sha256 of its contents and
// returns the id.
func (n *Node) RegisterData(ctx context.Context, data string) (string, error) {
	sum := sha256.Sum256([]byte(data))
	id := hex.EncodeToString(sum[:])
	return id, n.Register(ctx, id, data)
}

// Use acquires or renews the lease on licenceID for user. It answers false
// when the licence is unknown or another user holds it. The decision is made
// against the local view; see the package documentation for racing peers.
func (n *Node) Use(ctx context.Context, licenceID, user string) (bool, error) {
	if err := n.ready(); err != nil {
		return false, err
	}
	if strings.TrimSpace(user) == "" {
		return false, errors.New("licshare: use requires a user")
	}
	id := api.CanonicalLicenceID(licenceID)
	var granted bool
	err := n.coord.Do(ctx, "api.use", func(ctx context.Context) error {
		if _, ok := n.view.Get(id); !ok {
			n.logger.Debug("licshare.use.unknown_licence", "licence", id, "user", user)
			return nil
		}
		var lease api.UsageLease
		found, err := n.view.GetJSON(api.UsageKey(id), &lease)
		if err != nil {
			return err
		}
		if found && lease.User != user {
			n.logger.Debug("licshare.use.held", "licence", id, "user", user, "holder", lease.User)
			return nil
		}
		if found {
			n.leases.Cancel(id)
		}
		if _, err := n.append(ctx, api.UseOp(id, user)); err != nil {
			return err
		}
		granted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !granted {
		return false, nil
	}
	if err := n.coord.Update(ctx, false); err != nil {
		return true, err
	}
	return true, nil
}

// Release drops the lease on licenceID whoever holds it. Releasing a licence
// without a lease is a no-op.
func (n *Node) Release(ctx context.Context, licenceID string) error {
	if err := n.ready(); err != nil {
		return err
	}
	id := api.CanonicalLicenceID(licenceID)
	var appended bool
	err := n.coord.Do(ctx, "api.release", func(ctx context.Context) error {
		if _, ok := n.view.Get(api.UsageKey(id)); !ok {
			return nil
		}
		n.leases.Cancel(id)
		if _, err := n.append(ctx, api.ReleaseOp(id)); err != nil {
			return err
		}
		appended = true
		return nil
	})
	if err != nil || !appended {
		return err
	}
	return n.coord.Update(ctx, false)
}

// AllRegistered yields every licence in key order. Each iteration scans the
// current view afresh.
func (n *Node) AllRegistered() iter.Seq[api.Licence] {
	return scanJSON[api.Licence](n, api.LicencePrefix)
}

// AllUsage yields every usage lease in key order. Each iteration scans the
// current view afresh.
func (n *Node) AllUsage() iter.Seq[api.UsageLease] {
	return scanJSON[api.UsageLease](n, api.UsagePrefix)
}

func scanJSON[T any](n *Node, prefix string) iter.Seq[T] {
	return func(yield func(T) bool) {
		if n.view == nil {
			return
		}
		for key, raw := range n.view.Scan(view.Prefix(prefix)) {
			var v T
			if err := json.Unmarshal(raw, &v); err != nil {
				n.logger.Debug("licshare.view.decode_failed", "key", key, "error", err)
				continue
			}
			if !yield(v) {
				return
			}
		}
	}
}

// KeepAlive renews the lease on licenceID for user every interval until ctx
// ends. It returns ErrLeaseLost as soon as a renewal is refused.
func (n *Node) KeepAlive(ctx context.Context, licenceID, user string, every time.Duration) error {
	if every <= 0 {
		every = n.cfg.LeaseTimeout / 2
	}
	for {
		ok, err := n.Use(ctx, licenceID, user)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if !ok {
			return ErrLeaseLost
		}
		n.logger.Trace("licshare.lease.renewed", "licence", api.CanonicalLicenceID(licenceID), "user", user)
		select {
		case <-ctx.Done():
			return nil
		case <-n.clock.After(every):
		}
	}
}

// Sync waits until the local feeds cover everything the connected readers
// have already linearized, then rebuilds the view.
func (n *Node) Sync(ctx context.Context) error {
	if err := n.ready(); err != nil {
		return err
	}
	notify := make(chan struct{}, 1)
	unsubscribe := n.store.Subscribe(func(string, []oplog.Entry, string) {
		select {
		case notify <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()
	for {
		lag := n.log.Lag()
		if len(lag) == 0 {
			break
		}
		n.logger.Debug("licshare.sync.waiting", "feeds", len(lag))
		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return n.coord.Update(ctx, true)
}

// WaitJoined blocks until at least count peers completed the join exchange.
func (n *Node) WaitJoined(ctx context.Context, count int) error {
	if err := n.ready(); err != nil {
		return err
	}
	for {
		changed := n.members.Changed()
		if n.members.Joined() >= count {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.stop:
			return ErrClosed
		case <-changed:
		}
	}
}

// PeerInfo describes one joined connection.
type PeerInfo struct {
	Conn   string
	Peer   string
	Writer string
	Reader string
}

// Peers lists the joined connections.
func (n *Node) Peers() []PeerInfo {
	if n.members == nil {
		return nil
	}
	var out []PeerInfo
	for _, p := range n.members.Participants() {
		if p.State != membership.Joined {
			continue
		}
		out = append(out, PeerInfo{Conn: p.Conn.ID(), Peer: p.Conn.Peer(), Writer: p.Writer, Reader: p.Reader})
	}
	return out
}

// Info is a snapshot of the node's identity and log topology.
type Info struct {
	Realm     string
	Topic     string
	Mandate   string
	Identity  string
	Writer    string
	Reader    string
	Writers   []string
	Readers   []string
	Peers     int
	Length    uint64
	StartedAt time.Time
}

func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "realm:    %s (topic %s)\n", i.Realm, i.Topic)
	fmt.Fprintf(&b, "mandate:  %s\n", i.Mandate)
	fmt.Fprintf(&b, "identity: %s\n", i.Identity)
	fmt.Fprintf(&b, "writer:   %s\n", i.Writer)
	fmt.Fprintf(&b, "reader:   %s\n", i.Reader)
	fmt.Fprintf(&b, "writers:  %s\n", strings.Join(i.Writers, ", "))
	fmt.Fprintf(&b, "readers:  %s\n", strings.Join(i.Readers, ", "))
	fmt.Fprintf(&b, "peers:    %d\n", i.Peers)
	fmt.Fprintf(&b, "length:   %s\n", humanize.Comma(int64(i.Length)))
	if !i.StartedAt.IsZero() {
		fmt.Fprintf(&b, "started:  %s\n", humanize.Time(i.StartedAt))
	}
	return b.String()
}

// Info returns the node's identity and topology.
func (n *Node) Info() Info {
	info := Info{
		Realm:     n.realm,
		Topic:     n.topic.String(),
		Mandate:   n.cfg.Mandate,
		Identity:  n.cfg.Identity,
		StartedAt: n.startedAt,
	}
	if n.log != nil {
		info.Writer = n.log.WriterKey()
		info.Reader = n.log.ReaderKey()
		info.Writers = n.log.Writers()
		info.Readers = n.log.Readers()
	}
	if n.lin != nil {
		info.Length = n.lin.Position().Length
	}
	info.Peers = len(n.Peers())
	return info
}

// Dump renders every licence and usage lease in the view.
func (n *Node) Dump() string {
	var b strings.Builder
	var licences []api.Licence
	for l := range n.AllRegistered() {
		licences = append(licences, l)
	}
	fmt.Fprintf(&b, "licences (%d):\n", len(licences))
	for _, l := range licences {
		fmt.Fprintf(&b, "  %s  %s\n", api.LicenceKey(l.ID), abbreviate(l.Data, 48))
	}
	var usages []api.UsageLease
	for u := range n.AllUsage() {
		usages = append(usages, u)
	}
	fmt.Fprintf(&b, "usages (%d):\n", len(usages))
	for _, u := range usages {
		fmt.Fprintf(&b, "  %s  held by %s", u.LicenceID, u.User)
		if holder, ok := n.leases.Holder(u.LicenceID); ok && holder == u.User {
			fmt.Fprintf(&b, " (auto-release after %s)", n.leases.Timeout())
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func abbreviate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

func (n *Node) append(ctx context.Context, op api.Operation) (oplog.Entry, error) {
	raw, err := reducer.Encode(op)
	if err != nil {
		return oplog.Entry{}, fmt.Errorf("licshare: %w", err)
	}
	entry, err := n.log.Append(ctx, raw)
	if err != nil {
		return oplog.Entry{}, fmt.Errorf("licshare: append %s: %w", op.Type, err)
	}
	n.logger.Debug("licshare.op.appended", "type", string(op.Type), "seq", entry.Seq, "clock", entry.Clock)
	return entry, nil
}

// reduce is the linearizer's apply function.
func (n *Node) reduce(b *view.Batch, entries []oplog.Entry) error {
	records := make([]reducer.Entry, len(entries))
	for i, e := range entries {
		records[i] = reducer.Entry{Writer: e.Writer, Value: e.Value}
	}
	stats, err := reducer.Apply(b, records)
	n.metrics.record(stats)
	if stats.Invalid > 0 {
		n.logger.Warn("licshare.reduce.invalid_entries", "count", stats.Invalid)
	}
	return err
}

// dump runs after every rebuild.
func (n *Node) dump(_ context.Context, r coord.Result) {
	if n.cfg.Debug {
		fmt.Fprintf(n.out, "%s%s\n", n.Info(), n.Dump())
		return
	}
	var licences, usages int
	for range n.AllRegistered() {
		licences++
	}
	for range n.AllUsage() {
		usages++
	}
	n.logger.Debug("licshare.view.updated",
		"remote", r.Remote,
		"length", r.Position.Length,
		"applied", r.Applied,
		"rebased", r.Rebased,
		"licences", licences,
		"usages", usages,
		"elapsed", r.Duration,
	)
}

// scanLeases re-arms auto-release watches after remote rebuilds. Leases
// whose latest use was appended by this node are never watched, whatever
// user they name.
func (n *Node) scanLeases(_ context.Context, r coord.Result) {
	if !r.Remote {
		return
	}
	n.leases.Scan(n.AllUsage(), n.log.WriterKey())
}

// expire runs on the coordinator queue when a watch fires. The rebuild is
// scheduled rather than awaited because the queue is busy running this task.
func (n *Node) expire(ctx context.Context, licenceID, holder string) error {
	var lease api.UsageLease
	found, err := n.view.GetJSON(api.UsageKey(licenceID), &lease)
	if err != nil {
		return err
	}
	if !found || lease.User != holder {
		return nil
	}
	if _, err := n.append(ctx, api.ReleaseHeldOp(licenceID, holder)); err != nil {
		return err
	}
	n.coord.ScheduleUpdate(false)
	return nil
}

// ingested schedules a catch-up rebuild when a peer delivered entries for a
// writer feed. Bursts collapse into one pending rebuild.
func (n *Node) ingested(key string, added int, origin string) {
	if !n.log.IsWriter(key) || !n.catchUp.CompareAndSwap(false, true) {
		return
	}
	n.coord.Post("update.catchup", func(context.Context) error {
		n.catchUp.Store(false)
		n.coord.ScheduleUpdate(true)
		return nil
	})
}

func (n *Node) eventLoop() {
	defer close(n.loopDone)
	events := n.swarm.Events()
	for {
		var ev swarm.Event
		select {
		case <-n.stop:
			return
		case ev = <-events:
		}
		peer := replicationPeer{conn: ev.Conn}
		switch ev.Kind {
		case swarm.EventOpen:
			n.members.Handle(ev)
			n.repl.AddPeer(peer)
		case swarm.EventData:
			if ev.Channel == swarm.ChannelReplication {
				if err := n.repl.Handle(peer, ev.Payload); err != nil {
					n.logger.Warn("licshare.replicate.failed", "conn", ev.Conn.ID(), "peer", ev.Conn.Peer(), "error", err)
				}
				continue
			}
			n.members.Handle(ev)
		case swarm.EventClose:
			n.repl.RemovePeer(ev.Conn.ID())
			n.members.Handle(ev)
		}
	}
}

// replicationPeer sends replication messages over a swarm connection.
type replicationPeer struct {
	conn swarm.Conn
}

func (p replicationPeer) ID() string { return p.conn.ID() }

func (p replicationPeer) Send(payload []byte) error {
	return p.conn.Send(swarm.ChannelReplication, payload)
}
