package semcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/fyrsmithlabs/tierd/internal/clearance"
)

// ErrEntryNotFound is returned by Backend.Get for a missing entry.
var ErrEntryNotFound = errors.New("cache entry not found")

// Backend stores entries and answers nearest-neighbour queries within a tier.
// Nearest returns candidates ordered by ascending cosine distance and may
// include expired entries; the cache filters them.
type Backend interface {
	Get(ctx context.Context, tier Tier, id string) (*Entry, error)
	Set(ctx context.Context, entry *Entry, ttl time.Duration) error
	Delete(ctx context.Context, tier Tier, id string) error
	Nearest(ctx context.Context, tier Tier, embedding []float32, k int) ([]Candidate, error)
}

// entryRecord is the serialized form shared by backends. The embedding is
// kept separately by the chromem backend. MinSecurityLevel is a plain int
// because clearance.None has no text form.
type entryRecord struct {
	ID               string    `json:"id"`
	Tier             Tier      `json:"tier"`
	Embedding        []float32 `json:"embedding,omitempty"`
	Payload          string    `json:"payload"`
	MinSecurityLevel int       `json:"min_security_level"`
	IsDepartmental   bool      `json:"is_departmental"`
	DepartmentIDs    []string  `json:"department_ids,omitempty"`
	ScopeDepartment  string    `json:"scope_department,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	Encrypted        bool      `json:"encrypted,omitempty"`
}

func encodeEntry(e *Entry, withEmbedding bool) ([]byte, error) {
	rec := entryRecord{
		ID:               e.ID,
		Tier:             e.Tier,
		Payload:          e.Payload,
		MinSecurityLevel: int(e.MinSecurityLevel),
		IsDepartmental:   e.IsDepartmental,
		DepartmentIDs:    e.DepartmentIDs,
		ScopeDepartment:  e.ScopeDepartment,
		CreatedAt:        e.CreatedAt,
		ExpiresAt:        e.ExpiresAt,
		Encrypted:        e.Encrypted,
	}
	if withEmbedding {
		rec.Embedding = e.Embedding
	}
	return json.Marshal(rec)
}

func decodeEntry(data []byte) (*Entry, error) {
	var rec entryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding cache entry: %w", err)
	}
	if rec.MinSecurityLevel != int(clearance.None) {
		if err := clearance.CheckLevel(clearance.Level(rec.MinSecurityLevel)); err != nil {
			return nil, fmt.Errorf("cache entry %s: %w", rec.ID, err)
		}
	}
	return &Entry{
		ID:               rec.ID,
		Tier:             rec.Tier,
		Embedding:        rec.Embedding,
		Payload:          rec.Payload,
		MinSecurityLevel: clearance.Level(rec.MinSecurityLevel),
		IsDepartmental:   rec.IsDepartmental,
		DepartmentIDs:    rec.DepartmentIDs,
		ScopeDepartment:  rec.ScopeDepartment,
		CreatedAt:        rec.CreatedAt,
		ExpiresAt:        rec.ExpiresAt,
		Encrypted:        rec.Encrypted,
	}, nil
}

// cosineDistance returns 1 - cos(a, b). Mismatched or zero vectors are
// maximally distant.
func cosineDistance(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 2
	}
	return float32(1 - dot/(math.Sqrt(na)*math.Sqrt(nb)))
}

func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].Distance < cs[j].Distance })
}
