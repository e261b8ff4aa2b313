package accessfilter

import (
	"fmt"
	"strings"
)

// ToSQL translates p into a WHERE clause with ? placeholders and its
// arguments. Column names are the Field names; only known fields are
// emitted, so the clause is safe to pass to gorm's Where.
func ToSQL(p Predicate) (string, []any, error) {
	var (
		b    strings.Builder
		args []any
	)
	if err := writeSQL(&b, &args, p); err != nil {
		return "", nil, err
	}
	return b.String(), args, nil
}

func writeSQL(b *strings.Builder, args *[]any, p Predicate) error {
	switch n := p.(type) {
	case And:
		return writeSQLJunction(b, args, " AND ", "1 = 1", n.Terms)
	case Or:
		return writeSQLJunction(b, args, " OR ", "1 = 0", n.Terms)
	case Not:
		if n.Term == nil {
			return fmt.Errorf("%w: empty not", ErrUntranslatable)
		}
		b.WriteString("NOT (")
		if err := writeSQL(b, args, n.Term); err != nil {
			return err
		}
		b.WriteString(")")
		return nil
	case In:
		if err := checkField(n.Field); err != nil {
			return err
		}
		if len(n.Values) == 0 {
			b.WriteString("1 = 0")
			return nil
		}
		b.WriteString(string(n.Field))
		b.WriteString(" IN (")
		for i, v := range n.Values {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			*args = append(*args, v)
		}
		b.WriteString(")")
		return nil
	case EqBool:
		if err := checkField(n.Field); err != nil {
			return err
		}
		b.WriteString(string(n.Field) + " = ?")
		*args = append(*args, n.Value)
		return nil
	case EqString:
		if err := checkField(n.Field); err != nil {
			return err
		}
		b.WriteString(string(n.Field) + " = ?")
		*args = append(*args, n.Value)
		return nil
	default:
		return fmt.Errorf("%w: node %T", ErrUntranslatable, p)
	}
}

func writeSQLJunction(b *strings.Builder, args *[]any, sep, empty string, terms []Predicate) error {
	if len(terms) == 0 {
		b.WriteString(empty)
		return nil
	}
	b.WriteString("(")
	for i, t := range terms {
		if i > 0 {
			b.WriteString(sep)
		}
		if err := writeSQL(b, args, t); err != nil {
			return err
		}
	}
	b.WriteString(")")
	return nil
}
