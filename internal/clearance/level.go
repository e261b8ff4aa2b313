package clearance

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Sentinel errors for clearance computation.
var (
	// ErrDataIntegrity marks upstream data corruption. Requests hitting it fail.
	ErrDataIntegrity = errors.New("clearance data integrity violation")

	// ErrMalformedLevel is returned for a level outside General..HighlyConfidential.
	ErrMalformedLevel = fmt.Errorf("%w: malformed clearance level", ErrDataIntegrity)
)

// Level is an ordinal sensitivity tier. A requester can access a resource iff
// requester level >= resource level.
type Level int

const (
	// None is the zero value. It is never a valid clearance; cache entries use
	// it to mean "no contributing documents".
	None Level = iota
	General
	Restricted
	Confidential
	HighlyConfidential
)

// MaxLevel is the highest defined level.
const MaxLevel = HighlyConfidential

var levelNames = map[Level]string{
	General:            "GENERAL",
	Restricted:         "RESTRICTED",
	Confidential:       "CONFIDENTIAL",
	HighlyConfidential: "HIGHLY_CONFIDENTIAL",
}

// String returns the canonical upper-case name.
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	if l == None {
		return "NONE"
	}
	return "Level(" + strconv.Itoa(int(l)) + ")"
}

// Valid reports whether l is one of the four defined levels.
func (l Level) Valid() bool {
	return l >= General && l <= HighlyConfidential
}

// CanAccess reports whether a requester at l may see a resource at resource.
func (l Level) CanAccess(resource Level) bool {
	return l >= resource
}

// Accessible returns every level a requester at l may see, lowest first.
func (l Level) Accessible() []Level {
	if !l.Valid() {
		return nil
	}
	out := make([]Level, 0, int(l))
	for v := General; v <= l; v++ {
		out = append(out, v)
	}
	return out
}

// Max returns the higher of two levels.
func Max(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}

// ParseLevel parses a canonical name (case-insensitive, "-" or " " accepted
// for "_") or an integer 1..4.
func ParseLevel(s string) (Level, error) {
	raw := strings.TrimSpace(s)
	if n, err := strconv.Atoi(raw); err == nil {
		l := Level(n)
		if !l.Valid() {
			return None, fmt.Errorf("%w: %d", ErrMalformedLevel, n)
		}
		return l, nil
	}

	norm := strings.ToUpper(strings.NewReplacer("-", "_", " ", "_").Replace(raw))
	for l, name := range levelNames {
		if name == norm {
			return l, nil
		}
	}
	return None, fmt.Errorf("%w: %q", ErrMalformedLevel, s)
}

// CheckLevel returns ErrMalformedLevel unless l is valid.
func CheckLevel(l Level) error {
	if !l.Valid() {
		return fmt.Errorf("%w: %d", ErrMalformedLevel, int(l))
	}
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrMalformedLevel, int(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
