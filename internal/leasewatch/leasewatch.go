// Package leasewatch reclaims licences held by peers that went away. Every
// lease held by another peer gets one timer; renewals and releases cancel
// it, and a timer that fires appends a release for the holder it watched.
package leasewatch

import (
	"context"
	"errors"
	"iter"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/licshare/api"
	"pkt.systems/licshare/internal/clock"
	"pkt.systems/licshare/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultTimeout is the auto-release window.
const DefaultTimeout = 20 * time.Second

// Task is queued work, matching coord.Task.
type Task func(ctx context.Context) error

// Config wires a Manager.
type Config struct {
	Timeout time.Duration
	// Post queues a task on the coordinator. Timer callbacks only post.
	Post func(name string, fn Task)
	// Expire appends the release for licenceID held by holder. It runs on
	// the coordinator queue.
	Expire func(ctx context.Context, licenceID, holder string) error
	Clock  clock.Clock
	Logger pslog.Logger
}

type watch struct {
	timer  clock.Timer
	holder string
	gen    uint64
}

// Manager owns the pending-release map.
type Manager struct {
	timeout time.Duration
	post    func(string, Task)
	expire  func(context.Context, string, string) error
	clock   clock.Clock
	logger  pslog.Logger
	events  metric.Int64Counter

	mu      sync.Mutex
	watches map[string]*watch
	gen     uint64
	stopped bool
}

// New builds a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Post == nil || cfg.Expire == nil {
		return nil, errors.New("leasewatch: post and expire required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	logger := svcfields.WithSubsystem(cfg.Logger, "leasewatch")
	events, err := otel.Meter("pkt.systems/licshare/leasewatch").Int64Counter(
		"licshare.lease.watch",
		metric.WithDescription("Lease watch transitions"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "licshare.lease.watch", "error", err)
	}
	return &Manager{
		timeout: cfg.Timeout,
		post:    cfg.Post,
		expire:  cfg.Expire,
		clock:   clk,
		logger:  logger,
		events:  events,
		watches: make(map[string]*watch),
	}, nil
}

// Timeout returns the auto-release window.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}

// Arm starts, or restarts, the watch on licenceID for holder.
func (m *Manager) Arm(licenceID, holder string) {
	licenceID = api.CanonicalLicenceID(licenceID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if prev, ok := m.watches[licenceID]; ok {
		prev.timer.Stop()
	}
	m.gen++
	gen := m.gen
	w := &watch{holder: holder, gen: gen}
	w.timer = m.clock.AfterFunc(m.timeout, func() {
		m.post("lease.expire", func(ctx context.Context) error {
			return m.fire(ctx, licenceID, gen)
		})
	})
	m.watches[licenceID] = w
	m.count("armed")
}

// Cancel drops the watch on licenceID without side effects.
func (m *Manager) Cancel(licenceID string) bool {
	licenceID = api.CanonicalLicenceID(licenceID)
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[licenceID]
	if !ok {
		return false
	}
	w.timer.Stop()
	delete(m.watches, licenceID)
	m.count("cancelled")
	m.logger.Trace("leasewatch.cancelled", "licence", licenceID, "holder", w.holder)
	return true
}

// Scan re-arms a watch for every lease whose latest use was not appended by
// the local writer and cancels watches whose lease is gone. It returns the
// number of armed watches.
func (m *Manager) Scan(leases iter.Seq[api.UsageLease], localWriter string) int {
	seen := make(map[string]struct{})
	armed := 0
	for lease := range leases {
		id := api.CanonicalLicenceID(lease.LicenceID)
		seen[id] = struct{}{}
		if lease.Writer == localWriter {
			m.Cancel(id)
			continue
		}
		m.Arm(id, lease.User)
		armed++
	}
	m.mu.Lock()
	var stale []string
	for id := range m.watches {
		if _, ok := seen[id]; !ok {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()
	for _, id := range stale {
		m.Cancel(id)
	}
	if armed > 0 {
		m.logger.Debug("leasewatch.scan", "armed", armed, "cancelled", len(stale))
	}
	return armed
}

// Pending returns the watched licence ids in sorted order.
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.watches))
	for id := range m.watches {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Holder returns the holder a licence is watched for.
func (m *Manager) Holder(licenceID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[api.CanonicalLicenceID(licenceID)]
	if !ok {
		return "", false
	}
	return w.holder, true
}

// Stop cancels every watch. Later Arm calls are ignored.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for id, w := range m.watches {
		w.timer.Stop()
		delete(m.watches, id)
	}
}

func (m *Manager) fire(ctx context.Context, licenceID string, gen uint64) error {
	m.mu.Lock()
	w, ok := m.watches[licenceID]
	if !ok || w.gen != gen || m.stopped {
		m.mu.Unlock()
		m.logger.Trace("leasewatch.fire.stale", "licence", licenceID)
		return nil
	}
	delete(m.watches, licenceID)
	m.count("expired")
	m.mu.Unlock()
	m.logger.Info("leasewatch.expired", "licence", licenceID, "holder", w.holder, "timeout", m.timeout)
	return m.expire(ctx, licenceID, w.holder)
}

func (m *Manager) count(action string) {
	if m.events == nil {
		return
	}
	m.events.Add(context.Background(), 1, metric.WithAttributes(attribute.String("licshare.lease.action", action)))
}
