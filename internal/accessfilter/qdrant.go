package accessfilter

import (
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// ToQdrant translates p into a Qdrant filter. Payload keys are the Field
// names; security_level must be indexed as an integer.
func ToQdrant(p Predicate) (*qdrant.Filter, error) {
	switch n := p.(type) {
	case And:
		conds, err := qdrantConditions(n.Terms)
		if err != nil {
			return nil, err
		}
		return &qdrant.Filter{Must: conds}, nil
	case Or:
		if len(n.Terms) == 0 {
			return nil, fmt.Errorf("%w: empty or", ErrUntranslatable)
		}
		conds, err := qdrantConditions(n.Terms)
		if err != nil {
			return nil, err
		}
		return &qdrant.Filter{Should: conds}, nil
	case Not:
		if n.Term == nil {
			return nil, fmt.Errorf("%w: empty not", ErrUntranslatable)
		}
		cond, err := qdrantCondition(n.Term)
		if err != nil {
			return nil, err
		}
		return &qdrant.Filter{MustNot: []*qdrant.Condition{cond}}, nil
	default:
		cond, err := qdrantCondition(p)
		if err != nil {
			return nil, err
		}
		return &qdrant.Filter{Must: []*qdrant.Condition{cond}}, nil
	}
}

func qdrantConditions(terms []Predicate) ([]*qdrant.Condition, error) {
	conds := make([]*qdrant.Condition, 0, len(terms))
	for _, t := range terms {
		c, err := qdrantCondition(t)
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}
	return conds, nil
}

func qdrantCondition(p Predicate) (*qdrant.Condition, error) {
	switch n := p.(type) {
	case And, Or, Not:
		nested, err := ToQdrant(n)
		if err != nil {
			return nil, err
		}
		return &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Filter{Filter: nested},
		}, nil
	case In:
		if err := checkField(n.Field); err != nil {
			return nil, err
		}
		return qdrantMatch(n.Field, &qdrant.Match{
			MatchValue: &qdrant.Match_Integers{
				Integers: &qdrant.RepeatedIntegers{Integers: n.Values},
			},
		}), nil
	case EqBool:
		if err := checkField(n.Field); err != nil {
			return nil, err
		}
		return qdrantMatch(n.Field, &qdrant.Match{
			MatchValue: &qdrant.Match_Boolean{Boolean: n.Value},
		}), nil
	case EqString:
		if err := checkField(n.Field); err != nil {
			return nil, err
		}
		return qdrantMatch(n.Field, &qdrant.Match{
			MatchValue: &qdrant.Match_Keyword{Keyword: n.Value},
		}), nil
	default:
		return nil, fmt.Errorf("%w: node %T", ErrUntranslatable, p)
	}
}

func qdrantMatch(field Field, m *qdrant.Match) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   string(field),
				Match: m,
			},
		},
	}
}
