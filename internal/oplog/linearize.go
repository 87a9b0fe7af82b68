package oplog

import (
	"context"
	"maps"
	"slices"
	"sync"

	"pkt.systems/licshare/internal/view"
)

// ApplyFunc reduces entries, in merged order, into b.
type ApplyFunc func(b *view.Batch, entries []Entry) error

// Position describes how much of the log a view reflects.
type Position struct {
	Length uint64
	Heads  map[string]uint64
}

// Equal reports whether p and o cover the same entries.
func (p Position) Equal(o Position) bool {
	return p.Length == o.Length && maps.Equal(p.Heads, o.Heads)
}

// UpdateResult summarises one linearizer update.
type UpdateResult struct {
	Position Position
	Applied  int
	Rebased  bool
}

// Linearizer keeps a view in step with the merged order of the log.
type Linearizer struct {
	log   *Log
	view  *view.View
	apply ApplyFunc

	mu       sync.Mutex
	applied  []ID
	position Position
}

// Linearize binds v to the log. Every Update applies new entries through
// apply into a single atomic batch.
func (l *Log) Linearize(v *view.View, apply ApplyFunc) *Linearizer {
	return &Linearizer{log: l, view: v, apply: apply}
}

// View returns the view maintained by the linearizer.
func (z *Linearizer) View() *view.View {
	return z.view
}

// Position returns the position of the last successful update.
func (z *Linearizer) Position() Position {
	z.mu.Lock()
	defer z.mu.Unlock()
	return Position{Length: z.position.Length, Heads: maps.Clone(z.position.Heads)}
}

// Update brings the view to the latest merged position. When the order of
// entries already applied changed (a late entry sorted below them), the view
// is rebuilt from scratch in the same batch so readers never observe a
// partially rebased view.
func (z *Linearizer) Update(ctx context.Context) (UpdateResult, error) {
	if err := ctx.Err(); err != nil {
		return UpdateResult{}, err
	}
	if !z.log.Ready() {
		return UpdateResult{}, ErrNotReady
	}
	z.mu.Lock()
	defer z.mu.Unlock()

	sources := z.log.sources()
	var merged []Entry
	heads := make(map[string]uint64, len(sources))
	for key, limit := range sources {
		feed, ok := z.log.store.Lookup(key)
		if !ok || limit == 0 {
			continue
		}
		merged = append(merged, feed.Range(0, limit)...)
		heads[key] = limit
	}
	slices.SortFunc(merged, func(a, b Entry) int {
		switch {
		case Less(a, b):
			return -1
		case Less(b, a):
			return 1
		default:
			return 0
		}
	})

	common := 0
	for common < len(z.applied) && common < len(merged) && z.applied[common] == merged[common].ID() {
		common++
	}
	rebase := common < len(z.applied)
	pending := merged[common:]
	if rebase {
		pending = merged
	}

	next := Position{Length: uint64(len(merged)), Heads: heads}
	result := UpdateResult{Position: next, Applied: len(pending), Rebased: rebase}
	if len(pending) == 0 && !rebase {
		return result, nil
	}

	b := z.view.Batch()
	if rebase {
		b.Reset()
		z.log.logger.Debug("oplog.linearize.rebase", "applied", len(z.applied), "common", common, "merged", len(merged))
	}
	if len(pending) > 0 {
		if err := z.apply(b, pending); err != nil {
			b.Discard()
			return UpdateResult{}, err
		}
	}
	if err := b.Commit(); err != nil {
		return UpdateResult{}, err
	}

	ids := make([]ID, len(merged))
	for i, entry := range merged {
		ids[i] = entry.ID()
	}
	z.applied = ids
	changed := !z.position.Equal(next)
	z.position = next
	if changed {
		if err := z.log.publishCheckpoint(Checkpoint{Length: next.Length, Heads: maps.Clone(heads)}); err != nil {
			z.log.logger.Warn("oplog.checkpoint.publish_failed", "error", err)
		}
	}
	return result, nil
}
