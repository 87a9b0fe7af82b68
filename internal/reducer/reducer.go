// Package reducer maps log operations onto view mutations. It is the only
// place where licence and usage rules are enforced and it has no side
// effects beyond the batch it is handed.
package reducer

import (
	"fmt"

	json "github.com/goccy/go-json"

	"pkt.systems/licshare/api"
)

// Batch is the subset of view.Batch the reducer needs. Reads must observe
// mutations staged earlier in the same batch.
type Batch interface {
	GetJSON(key string, out any) (bool, error)
	Put(key string, value any) error
	Delete(key string)
}

// Outcome classifies what a single operation did to the view.
type Outcome int

const (
	// Applied means the operation mutated the batch.
	Applied Outcome = iota
	// Ignored means the operation was valid but a no-op (duplicate register,
	// conflicting use, release of a missing lease).
	Ignored
	// Invalid means the entry could not be decoded or validated.
	Invalid
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Ignored:
		return "ignored"
	default:
		return "invalid"
	}
}

// Stats counts outcomes across one batch.
type Stats struct {
	Applied int
	Ignored int
	Invalid int
}

// Add accumulates another outcome.
func (s *Stats) Add(o Outcome) {
	switch o {
	case Applied:
		s.Applied++
	case Ignored:
		s.Ignored++
	default:
		s.Invalid++
	}
}

// Encode serialises an operation for appending to the log.
func Encode(op api.Operation) ([]byte, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(op)
}

// Decode parses and validates a log entry value.
func Decode(raw []byte) (api.Operation, error) {
	var op api.Operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return api.Operation{}, fmt.Errorf("reducer: decode operation: %w", err)
	}
	if err := op.Validate(); err != nil {
		return api.Operation{}, err
	}
	return op, nil
}

// Entry is a log value together with the writer that appended it.
type Entry struct {
	Writer string
	Value  []byte
}

// Apply reduces entries, in order, into b.
func Apply(b Batch, entries []Entry) (Stats, error) {
	var stats Stats
	for _, e := range entries {
		op, err := Decode(e.Value)
		if err != nil {
			stats.Add(Invalid)
			continue
		}
		outcome, err := ApplyOp(b, op, e.Writer)
		if err != nil {
			return stats, err
		}
		stats.Add(outcome)
	}
	return stats, nil
}

// ApplyOp reduces a single decoded operation into b.
//
// register: first registration of an id wins.
// use: a lease is written when none exists or the holder renews it; a use by
// a different user while a lease exists is ignored (first holder wins). The
// lease records writer, the feed the latest accepted use came from.
// release: the lease is removed when present and, if the operation names a
// user, only while that user holds it.
func ApplyOp(b Batch, op api.Operation, writer string) (Outcome, error) {
	switch op.Type {
	case api.OpRegister:
		key := api.LicenceKey(op.ID)
		var existing api.Licence
		found, err := b.GetJSON(key, &existing)
		if err != nil {
			return Invalid, err
		}
		if found {
			return Ignored, nil
		}
		if err := b.Put(key, api.Licence{ID: op.ID, Data: op.Data}); err != nil {
			return Invalid, err
		}
		return Applied, nil
	case api.OpUse:
		licenceID := api.CanonicalLicenceID(op.LicenceID)
		key := api.UsageKey(licenceID)
		var existing api.UsageLease
		found, err := b.GetJSON(key, &existing)
		if err != nil {
			return Invalid, err
		}
		if found && existing.User != op.User {
			return Ignored, nil
		}
		lease := api.UsageLease{ID: key, LicenceID: licenceID, User: op.User, Writer: writer}
		if err := b.Put(key, lease); err != nil {
			return Invalid, err
		}
		return Applied, nil
	case api.OpRelease:
		key := api.UsageKey(op.LicenceID)
		var existing api.UsageLease
		found, err := b.GetJSON(key, &existing)
		if err != nil {
			return Invalid, err
		}
		if !found {
			return Ignored, nil
		}
		if op.User != "" && existing.User != op.User {
			return Ignored, nil
		}
		b.Delete(key)
		return Applied, nil
	default:
		return Invalid, nil
	}
}
