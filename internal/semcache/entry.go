// Package semcache is a similarity-keyed cache with two independent tiers:
// context (retrieved passages) and response (final answers).
//
// Every entry carries the clearance needed to read it. Lookups silently
// drop candidates the requester may not see, so a gated entry is just a miss.
package semcache

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/tierd/internal/clearance"
)

// Tier identifies a cache.
type Tier string

const (
	TierContext  Tier = "context"
	TierResponse Tier = "response"
)

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierContext, TierResponse:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown cache tier %q", s)
}

// Entry is one cached payload.
type Entry struct {
	ID        string
	Tier      Tier
	Embedding []float32
	Payload   string

	// MinSecurityLevel is the highest level among contributing documents, or
	// clearance.None when no documents contributed.
	MinSecurityLevel clearance.Level

	// IsDepartmental is set when any contributing document was
	// department-only; DepartmentIDs holds their departments.
	IsDepartmental bool
	DepartmentIDs  []string

	// ScopeDepartment is set when every contributing document belongs to the
	// same department. Readers in that department are gated at their
	// department clearance instead of their org clearance.
	ScopeDepartment string

	CreatedAt time.Time
	ExpiresAt time.Time
	Encrypted bool
}

// Expired reports whether e is past its TTL at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Candidate is a backend nearest-neighbour result.
type Candidate struct {
	Entry    *Entry
	Distance float32
}

// Requester is the reader's clearance as the cache gates on it.
type Requester struct {
	Level           clearance.Level
	DepartmentLevel clearance.Level
	DepartmentID    string
}

// RequesterFor derives the gating view of a resolved clearance.
func RequesterFor(eff clearance.Effective) Requester {
	return Requester{
		Level:           eff.OrgValue,
		DepartmentLevel: eff.Max(),
		DepartmentID:    eff.DepartmentID,
	}
}

// Admits reports whether r may read e. It looks only at metadata.
//
// A departmental entry is readable only when every department it draws on
// is the requester's own.
func (e *Entry) Admits(r Requester) bool {
	allowed := r.Level
	if e.ScopeDepartment != "" && e.ScopeDepartment == r.DepartmentID {
		allowed = clearance.Max(r.Level, r.DepartmentLevel)
	}
	if e.MinSecurityLevel > allowed {
		return false
	}
	if e.IsDepartmental {
		if r.DepartmentID == "" || len(e.DepartmentIDs) == 0 {
			return false
		}
		for _, id := range e.DepartmentIDs {
			if id != r.DepartmentID {
				return false
			}
		}
	}
	return true
}
