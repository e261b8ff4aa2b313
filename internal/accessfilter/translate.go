package accessfilter

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/tierd/internal/clearance"
)

// Backend names a filter grammar.
type Backend string

const (
	BackendQdrant  Backend = "qdrant"
	BackendChromem Backend = "chromem"
	BackendMapOps  Backend = "mapops"
	BackendSQL     Backend = "sql"
	BackendCEL     Backend = "cel"
)

// SQLFilter is the sql translation: a WHERE clause and its arguments.
type SQLFilter struct {
	Where string
	Args  []any
}

var translators = map[Backend]func(Predicate) (any, error){
	BackendQdrant:  func(p Predicate) (any, error) { return ToQdrant(p) },
	BackendChromem: func(p Predicate) (any, error) { return ToChromem(p) },
	BackendMapOps:  func(p Predicate) (any, error) { return ToMapOps(p) },
	BackendSQL:     translateSQL,
	BackendCEL:     func(p Predicate) (any, error) { return ToCEL(p) },
}

func translateSQL(p Predicate) (any, error) {
	where, args, err := ToSQL(p)
	if err != nil {
		return nil, err
	}
	return SQLFilter{Where: where, Args: args}, nil
}

// Backends lists the supported backends.
func Backends() []Backend {
	return []Backend{BackendQdrant, BackendChromem, BackendMapOps, BackendSQL, BackendCEL}
}

// ParseBackend normalizes a configured backend name. Unknown names return
// ErrUnsupportedBackend.
func ParseBackend(s string) (Backend, error) {
	b := Backend(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := translators[b]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedBackend, s)
	}
	return b, nil
}

// Translate renders p for backend. The concrete type per backend is
// *qdrant.Filter, []map[string]string, map[string]any, SQLFilter or string.
func Translate(backend Backend, p Predicate) (any, error) {
	tr, ok := translators[backend]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, backend)
	}
	out, err := tr(p)
	if err != nil {
		return nil, fmt.Errorf("translating for %s: %w", backend, err)
	}
	return out, nil
}

// BuildFor builds the predicate for level and department and translates it
// for backend in one step.
func BuildFor(backend Backend, level clearance.Level, departmentID string) (any, error) {
	if _, ok := translators[backend]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedBackend, backend)
	}
	p, err := Build(level, departmentID)
	if err != nil {
		return nil, err
	}
	return Translate(backend, p)
}
