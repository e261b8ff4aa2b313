package accessfilter

import (
	"fmt"
	"strconv"
)

// MaxChromemClauses bounds the DNF expansion.
const MaxChromemClauses = 64

// ToChromem translates p into a disjunction of equality where-clauses, the
// only filter chromem supports. A document matches p iff it matches at
// least one clause; callers query once per clause and union the results.
//
// Metadata values are compared as strings in the form Document.Metadata
// produces. Negation is only expressible on boolean fields.
func ToChromem(p Predicate) ([]map[string]string, error) {
	nnf, err := negationNormal(p, false)
	if err != nil {
		return nil, err
	}
	clauses, err := chromemDNF(nnf)
	if err != nil {
		return nil, err
	}
	if len(clauses) == 0 {
		return nil, fmt.Errorf("%w: predicate admits nothing", ErrUntranslatable)
	}
	return clauses, nil
}

func chromemDNF(p Predicate) ([]map[string]string, error) {
	switch n := p.(type) {
	case And:
		acc := []map[string]string{{}}
		for _, t := range n.Terms {
			sub, err := chromemDNF(t)
			if err != nil {
				return nil, err
			}
			acc = crossClauses(acc, sub)
			if len(acc) > MaxChromemClauses {
				return nil, fmt.Errorf("%w: more than %d where clauses", ErrUntranslatable, MaxChromemClauses)
			}
		}
		return acc, nil
	case Or:
		var out []map[string]string
		for _, t := range n.Terms {
			sub, err := chromemDNF(t)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
			if len(out) > MaxChromemClauses {
				return nil, fmt.Errorf("%w: more than %d where clauses", ErrUntranslatable, MaxChromemClauses)
			}
		}
		return out, nil
	case In:
		if err := checkField(n.Field); err != nil {
			return nil, err
		}
		out := make([]map[string]string, 0, len(n.Values))
		for _, v := range n.Values {
			out = append(out, map[string]string{string(n.Field): strconv.FormatInt(v, 10)})
		}
		return out, nil
	case EqBool:
		return []map[string]string{{string(n.Field): strconv.FormatBool(n.Value)}}, nil
	case EqString:
		if err := checkField(n.Field); err != nil {
			return nil, err
		}
		return []map[string]string{{string(n.Field): n.Value}}, nil
	default:
		return nil, fmt.Errorf("%w: chromem cannot express %T", ErrUntranslatable, p)
	}
}

// crossClauses conjoins two disjunctions, dropping contradictory pairs.
func crossClauses(left, right []map[string]string) []map[string]string {
	out := make([]map[string]string, 0, len(left)*len(right))
	for _, l := range left {
	next:
		for _, r := range right {
			merged := make(map[string]string, len(l)+len(r))
			for k, v := range l {
				merged[k] = v
			}
			for k, v := range r {
				if prev, ok := merged[k]; ok && prev != v {
					continue next
				}
				merged[k] = v
			}
			out = append(out, merged)
		}
	}
	return out
}
