// Package accessfilter builds the retrieval admission predicate for a
// requester and translates it into each vector backend's filter grammar.
//
// The level/department logic lives only in Build and ForClearance. Backends
// receive a translation of the same AST, and Evaluate is the reference
// semantics every translation must agree with.
package accessfilter

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/fyrsmithlabs/tierd/internal/clearance"
)

// Field names a document metadata attribute the predicate may test.
type Field string

const (
	FieldSecurityLevel  Field = "security_level"
	FieldDepartmentOnly Field = "is_department_only"
	FieldDepartmentID   Field = "department_id"
)

var knownFields = map[Field]bool{
	FieldSecurityLevel:  true,
	FieldDepartmentOnly: true,
	FieldDepartmentID:   true,
}

var (
	// ErrUnsupportedBackend is returned when no translation exists for a
	// backend. Callers must reject the request, never search unfiltered.
	ErrUnsupportedBackend = errors.New("unsupported filter backend")

	// ErrUntranslatable is returned when a predicate cannot be expressed in a
	// backend's grammar.
	ErrUntranslatable = errors.New("predicate not expressible for backend")

	// ErrUnknownField is returned for a predicate on an unknown field.
	ErrUnknownField = errors.New("unknown filter field")
)

// Predicate is a node of the admission AST.
type Predicate interface {
	predicate()
}

// And holds when every term holds. An empty And is true.
type And struct{ Terms []Predicate }

// Or holds when any term holds. An empty Or is false.
type Or struct{ Terms []Predicate }

// Not negates Term.
type Not struct{ Term Predicate }

// In holds when an integer field equals one of Values.
type In struct {
	Field  Field
	Values []int64
}

// EqBool holds when a boolean field equals Value.
type EqBool struct {
	Field Field
	Value bool
}

// EqString holds when a string field equals Value.
type EqString struct {
	Field Field
	Value string
}

func (And) predicate()      {}
func (Or) predicate()       {}
func (Not) predicate()      {}
func (In) predicate()       {}
func (EqBool) predicate()   {}
func (EqString) predicate() {}

// Document is the access metadata of a retrievable chunk.
type Document struct {
	ID               string
	SecurityLevel    clearance.Level
	IsDepartmentOnly bool
	DepartmentID     string
}

// Validate enforces that department-only documents name a department.
func (d Document) Validate() error {
	if err := clearance.CheckLevel(d.SecurityLevel); err != nil {
		return fmt.Errorf("document %s: %w", d.ID, err)
	}
	if d.IsDepartmentOnly && d.DepartmentID == "" {
		return fmt.Errorf("%w: document %s is department-only without department_id",
			clearance.ErrDataIntegrity, d.ID)
	}
	return nil
}

// Metadata renders the access fields as strings, the form chromem stores.
func (d Document) Metadata() map[string]string {
	m := map[string]string{
		string(FieldSecurityLevel):  strconv.Itoa(int(d.SecurityLevel)),
		string(FieldDepartmentOnly): strconv.FormatBool(d.IsDepartmentOnly),
	}
	if d.DepartmentID != "" {
		m[string(FieldDepartmentID)] = d.DepartmentID
	}
	return m
}

// DocumentFromMetadata parses access fields from string metadata. Missing
// or malformed fields are a data-integrity error.
func DocumentFromMetadata(id string, md map[string]string) (Document, error) {
	lvl, err := clearance.ParseLevel(md[string(FieldSecurityLevel)])
	if err != nil {
		return Document{}, fmt.Errorf("document %s: %w", id, err)
	}
	deptOnly, err := strconv.ParseBool(md[string(FieldDepartmentOnly)])
	if err != nil {
		return Document{}, fmt.Errorf("%w: document %s: is_department_only %q",
			clearance.ErrDataIntegrity, id, md[string(FieldDepartmentOnly)])
	}
	d := Document{
		ID:               id,
		SecurityLevel:    lvl,
		IsDepartmentOnly: deptOnly,
		DepartmentID:     md[string(FieldDepartmentID)],
	}
	return d, d.Validate()
}

// Build returns the admission predicate for a requester at level in
// departmentID (empty for none):
//
//	security_level ∈ {1..level} ∧ (¬is_department_only ∨ department_id = dept)
//
// or, without a department, security_level ∈ {1..level} ∧ ¬is_department_only.
func Build(level clearance.Level, departmentID string) (Predicate, error) {
	if err := clearance.CheckLevel(level); err != nil {
		return nil, err
	}
	return And{Terms: []Predicate{
		levelsUpTo(level),
		departmentScope(departmentID),
	}}, nil
}

// ForClearance returns the admission predicate for a resolved clearance.
// Documents of the requester's own department are admitted up to
// max(org, dept); everything else up to the org value.
func ForClearance(eff clearance.Effective) (Predicate, error) {
	if eff.DepartmentID == "" || eff.DeptValue <= eff.OrgValue {
		return Build(eff.OrgValue, eff.DepartmentID)
	}
	base, err := Build(eff.OrgValue, eff.DepartmentID)
	if err != nil {
		return nil, err
	}
	if err := clearance.CheckLevel(eff.DeptValue); err != nil {
		return nil, err
	}
	ownDept := And{Terms: []Predicate{
		levelsUpTo(eff.Max()),
		EqString{Field: FieldDepartmentID, Value: eff.DepartmentID},
	}}
	return Or{Terms: []Predicate{base, ownDept}}, nil
}

func levelsUpTo(level clearance.Level) Predicate {
	accessible := level.Accessible()
	values := make([]int64, len(accessible))
	for i, l := range accessible {
		values[i] = int64(l)
	}
	return In{Field: FieldSecurityLevel, Values: values}
}

func departmentScope(departmentID string) Predicate {
	notDeptOnly := Not{Term: EqBool{Field: FieldDepartmentOnly, Value: true}}
	if departmentID == "" {
		return notDeptOnly
	}
	return Or{Terms: []Predicate{
		notDeptOnly,
		EqString{Field: FieldDepartmentID, Value: departmentID},
	}}
}

// Evaluate reports whether p admits d. A predicate containing an unknown
// node or field denies every document.
func Evaluate(p Predicate, d Document) bool {
	ok, err := evaluate(p, d)
	return err == nil && ok
}

func evaluate(p Predicate, d Document) (bool, error) {
	switch n := p.(type) {
	case And:
		result := true
		for _, t := range n.Terms {
			ok, err := evaluate(t, d)
			if err != nil {
				return false, err
			}
			result = result && ok
		}
		return result, nil
	case Or:
		result := false
		for _, t := range n.Terms {
			ok, err := evaluate(t, d)
			if err != nil {
				return false, err
			}
			result = result || ok
		}
		return result, nil
	case Not:
		if n.Term == nil {
			return false, fmt.Errorf("%w: empty not", ErrUntranslatable)
		}
		ok, err := evaluate(n.Term, d)
		return !ok, err
	case In:
		if n.Field != FieldSecurityLevel {
			return false, fmt.Errorf("%w: %q is not an integer field", ErrUnknownField, n.Field)
		}
		for _, v := range n.Values {
			if int64(d.SecurityLevel) == v {
				return true, nil
			}
		}
		return false, nil
	case EqBool:
		if n.Field != FieldDepartmentOnly {
			return false, fmt.Errorf("%w: %q is not a boolean field", ErrUnknownField, n.Field)
		}
		return d.IsDepartmentOnly == n.Value, nil
	case EqString:
		if n.Field != FieldDepartmentID {
			return false, fmt.Errorf("%w: %q is not a string field", ErrUnknownField, n.Field)
		}
		return d.DepartmentID == n.Value, nil
	default:
		return false, fmt.Errorf("%w: node %T", ErrUntranslatable, p)
	}
}

func checkField(f Field) error {
	if !knownFields[f] {
		return fmt.Errorf("%w: %q", ErrUnknownField, f)
	}
	return nil
}

// negationNormal pushes Not down to the leaves so translators for grammars
// without a general NOT only see negated leaves.
func negationNormal(p Predicate, negate bool) (Predicate, error) {
	switch n := p.(type) {
	case And:
		terms, err := normalTerms(n.Terms, negate)
		if err != nil {
			return nil, err
		}
		if negate {
			return Or{Terms: terms}, nil
		}
		return And{Terms: terms}, nil
	case Or:
		terms, err := normalTerms(n.Terms, negate)
		if err != nil {
			return nil, err
		}
		if negate {
			return And{Terms: terms}, nil
		}
		return Or{Terms: terms}, nil
	case Not:
		if n.Term == nil {
			return nil, fmt.Errorf("%w: empty not", ErrUntranslatable)
		}
		return negationNormal(n.Term, !negate)
	case EqBool:
		if err := checkField(n.Field); err != nil {
			return nil, err
		}
		if negate {
			// Boolean metadata is always present, so ¬(f = v) ⇔ f = ¬v.
			return EqBool{Field: n.Field, Value: !n.Value}, nil
		}
		return n, nil
	case In, EqString:
		if negate {
			return Not{Term: n}, nil
		}
		return n, nil
	default:
		return nil, fmt.Errorf("%w: node %T", ErrUntranslatable, p)
	}
}

func normalTerms(terms []Predicate, negate bool) ([]Predicate, error) {
	out := make([]Predicate, 0, len(terms))
	for _, t := range terms {
		nt, err := negationNormal(t, negate)
		if err != nil {
			return nil, err
		}
		out = append(out, nt)
	}
	return out, nil
}
