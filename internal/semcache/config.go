package semcache

import (
	"fmt"
	"time"
)

// Defaults per tier.
const (
	DefaultContextThreshold  = 0.05
	DefaultResponseThreshold = 0.10
	DefaultContextTTL        = time.Hour
	DefaultResponseTTL       = 24 * time.Hour
	DefaultMaxEntries        = 5
	DefaultMinPayloadLength  = 20
	DefaultLookupK           = 10
)

// DefaultNegativePatterns match "nothing found" answers that must not be cached.
var DefaultNegativePatterns = []string{
	"i don't have information",
	"i do not have information",
	"no information found",
	"no relevant information",
	"i couldn't find",
	"i could not find",
	"no relevant documents",
	"i don't know",
	"unable to find",
	"not mentioned in the provided",
}

// TierConfig configures one tier.
type TierConfig struct {
	// DistanceThreshold is the maximum cosine distance at which two queries
	// share an entry cluster.
	DistanceThreshold float32
	TTL               time.Duration

	// MaxEntries bounds the variations kept per cluster; the oldest is
	// evicted to make room.
	MaxEntries int

	MinPayloadLength int
	NegativePatterns []string

	// LookupK is the number of neighbours examined per lookup.
	LookupK int

	// Encrypt stores payloads AES-GCM encrypted. Requires a Cipher.
	Encrypt bool
}

// DefaultTierConfig returns the defaults for tier.
func DefaultTierConfig(tier Tier) TierConfig {
	cfg := TierConfig{
		MaxEntries:       DefaultMaxEntries,
		MinPayloadLength: DefaultMinPayloadLength,
		NegativePatterns: DefaultNegativePatterns,
		LookupK:          DefaultLookupK,
	}
	switch tier {
	case TierContext:
		cfg.DistanceThreshold = DefaultContextThreshold
		cfg.TTL = DefaultContextTTL
	default:
		cfg.DistanceThreshold = DefaultResponseThreshold
		cfg.TTL = DefaultResponseTTL
	}
	return cfg
}

// Validate checks the tier configuration.
func (c TierConfig) Validate() error {
	if c.DistanceThreshold < 0 || c.DistanceThreshold > 2 {
		return fmt.Errorf("distance threshold %v outside [0, 2]", c.DistanceThreshold)
	}
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", c.TTL)
	}
	if c.MaxEntries <= 0 {
		return fmt.Errorf("max entries must be positive, got %d", c.MaxEntries)
	}
	if c.MinPayloadLength < 0 {
		return fmt.Errorf("min payload length cannot be negative")
	}
	if c.LookupK <= 0 {
		return fmt.Errorf("lookup k must be positive, got %d", c.LookupK)
	}
	return nil
}
