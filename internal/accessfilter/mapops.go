package accessfilter

import "fmt"

// ToMapOps translates p into the dict-of-operators grammar used by Chroma
// and Pinecone style servers: $and, $or, $in, $nin, $eq, $ne.
func ToMapOps(p Predicate) (map[string]any, error) {
	nnf, err := negationNormal(p, false)
	if err != nil {
		return nil, err
	}
	return mapOps(nnf)
}

func mapOps(p Predicate) (map[string]any, error) {
	switch n := p.(type) {
	case And:
		return mapOpsJunction("$and", n.Terms)
	case Or:
		if len(n.Terms) == 0 {
			return nil, fmt.Errorf("%w: empty or", ErrUntranslatable)
		}
		return mapOpsJunction("$or", n.Terms)
	case Not:
		return mapOpsNegated(n.Term)
	case In:
		if err := checkField(n.Field); err != nil {
			return nil, err
		}
		return map[string]any{string(n.Field): map[string]any{"$in": append([]int64(nil), n.Values...)}}, nil
	case EqBool:
		return map[string]any{string(n.Field): map[string]any{"$eq": n.Value}}, nil
	case EqString:
		if err := checkField(n.Field); err != nil {
			return nil, err
		}
		return map[string]any{string(n.Field): map[string]any{"$eq": n.Value}}, nil
	default:
		return nil, fmt.Errorf("%w: node %T", ErrUntranslatable, p)
	}
}

// mapOpsJunction unwraps single-term junctions; Chroma rejects $and/$or
// with fewer than two operands.
func mapOpsJunction(op string, terms []Predicate) (map[string]any, error) {
	if len(terms) == 0 {
		return map[string]any{}, nil
	}
	if len(terms) == 1 {
		return mapOps(terms[0])
	}
	parts := make([]any, 0, len(terms))
	for _, t := range terms {
		m, err := mapOps(t)
		if err != nil {
			return nil, err
		}
		parts = append(parts, m)
	}
	return map[string]any{op: parts}, nil
}

func mapOpsNegated(p Predicate) (map[string]any, error) {
	switch n := p.(type) {
	case In:
		if err := checkField(n.Field); err != nil {
			return nil, err
		}
		return map[string]any{string(n.Field): map[string]any{"$nin": append([]int64(nil), n.Values...)}}, nil
	case EqString:
		if err := checkField(n.Field); err != nil {
			return nil, err
		}
		return map[string]any{string(n.Field): map[string]any{"$ne": n.Value}}, nil
	default:
		return nil, fmt.Errorf("%w: negated %T", ErrUntranslatable, p)
	}
}
