package api

import (
	"fmt"
	"strings"
)

const (
	// LicencePrefix prefixes every licence key in the materialized view.
	LicencePrefix = "licence@"
	// UsagePrefix prefixes every usage lease key in the materialized view.
	UsagePrefix = "usage@"
)

// Licence models a registered licence as stored in the view under
// licence@<id>.
type Licence struct {
	// ID is the licence identifier supplied at registration.
	ID string `json:"id"`
	// Data is the opaque licence payload (for example a token).
	Data string `json:"data"`
}

// UsageLease records that a licence is currently held. It is stored under
// usage@<licenceId>.
type UsageLease struct {
	// ID is the view key of the lease (usage@<licenceId>).
	ID string `json:"id"`
	// LicenceID is the canonical licence key (licence@<id>) being held.
	LicenceID string `json:"licenceId"`
	// User identifies the holder.
	User string `json:"user"`
	// Writer is the log writer that appended the latest use of the lease.
	Writer string `json:"writer,omitempty"`
}

// OpType enumerates the operation kinds carried by the log.
type OpType string

const (
	// OpRegister creates a licence once.
	OpRegister OpType = "register"
	// OpUse acquires or renews a usage lease.
	OpUse OpType = "use"
	// OpRelease drops a usage lease.
	OpRelease OpType = "release"
)

// Operation is the unit of replication appended to the log. Fields are
// populated according to Type.
type Operation struct {
	// Type selects the operation kind.
	Type OpType `json:"type"`
	// ID is the licence identifier (register only).
	ID string `json:"id,omitempty"`
	// Data is the licence payload (register only).
	Data string `json:"data,omitempty"`
	// LicenceID is the canonical licence key (use and release).
	LicenceID string `json:"licenceId,omitempty"`
	// User is the lease holder. Required for use; on release it restricts the
	// release to leases held by that user.
	User string `json:"user,omitempty"`
}

// RegisterOp builds a register operation.
func RegisterOp(id, data string) Operation {
	return Operation{Type: OpRegister, ID: id, Data: data}
}

// UseOp builds a use operation for the canonical licence key.
func UseOp(licenceID, user string) Operation {
	return Operation{Type: OpUse, LicenceID: CanonicalLicenceID(licenceID), User: user}
}

// ReleaseOp builds an unconditional release operation.
func ReleaseOp(licenceID string) Operation {
	return Operation{Type: OpRelease, LicenceID: CanonicalLicenceID(licenceID)}
}

// ReleaseHeldOp builds a release that only applies while user holds the lease.
func ReleaseHeldOp(licenceID, user string) Operation {
	return Operation{Type: OpRelease, LicenceID: CanonicalLicenceID(licenceID), User: user}
}

// Validate reports whether the operation carries the fields its type needs.
func (o Operation) Validate() error {
	switch o.Type {
	case OpRegister:
		if strings.TrimSpace(o.ID) == "" {
			return fmt.Errorf("api: register requires id")
		}
	case OpUse:
		if strings.TrimSpace(o.LicenceID) == "" {
			return fmt.Errorf("api: use requires licenceId")
		}
		if strings.TrimSpace(o.User) == "" {
			return fmt.Errorf("api: use requires user")
		}
	case OpRelease:
		if strings.TrimSpace(o.LicenceID) == "" {
			return fmt.Errorf("api: release requires licenceId")
		}
	default:
		return fmt.Errorf("api: unknown operation type %q", o.Type)
	}
	return nil
}

// LicenceKey returns the view key for a licence id.
func LicenceKey(id string) string {
	return LicencePrefix + id
}

// UsageKey returns the view key for the lease on a licence. licenceID may be
// bare ("c1") or canonical ("licence@c1").
func UsageKey(licenceID string) string {
	return UsagePrefix + CanonicalLicenceID(licenceID)
}

// CanonicalLicenceID returns the licence key form (licence@<id>) of id.
func CanonicalLicenceID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.HasPrefix(id, LicencePrefix) {
		return id
	}
	return LicencePrefix + id
}
