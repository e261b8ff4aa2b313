package accessfilter

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// ToCEL translates p into a CEL boolean expression over the variables
// security_level (int), is_department_only (bool) and department_id (string).
func ToCEL(p Predicate) (string, error) {
	var b strings.Builder
	if err := writeCEL(&b, p); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeCEL(b *strings.Builder, p Predicate) error {
	switch n := p.(type) {
	case And:
		return writeCELJunction(b, " && ", "true", n.Terms)
	case Or:
		return writeCELJunction(b, " || ", "false", n.Terms)
	case Not:
		if n.Term == nil {
			return fmt.Errorf("%w: empty not", ErrUntranslatable)
		}
		b.WriteString("!(")
		if err := writeCEL(b, n.Term); err != nil {
			return err
		}
		b.WriteString(")")
		return nil
	case In:
		if err := checkField(n.Field); err != nil {
			return err
		}
		b.WriteString(string(n.Field))
		b.WriteString(" in [")
		for i, v := range n.Values {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(strconv.FormatInt(v, 10))
		}
		b.WriteString("]")
		return nil
	case EqBool:
		if err := checkField(n.Field); err != nil {
			return err
		}
		b.WriteString(string(n.Field) + " == " + strconv.FormatBool(n.Value))
		return nil
	case EqString:
		if err := checkField(n.Field); err != nil {
			return err
		}
		b.WriteString(string(n.Field) + " == " + strconv.Quote(n.Value))
		return nil
	default:
		return fmt.Errorf("%w: node %T", ErrUntranslatable, p)
	}
}

func writeCELJunction(b *strings.Builder, sep, empty string, terms []Predicate) error {
	if len(terms) == 0 {
		b.WriteString(empty)
		return nil
	}
	b.WriteString("(")
	for i, t := range terms {
		if i > 0 {
			b.WriteString(sep)
		}
		if err := writeCEL(b, t); err != nil {
			return err
		}
	}
	b.WriteString(")")
	return nil
}

// CELEvaluator compiles admission expressions once and evaluates them
// against document metadata in process.
type CELEvaluator struct {
	env      *cel.Env
	programs sync.Map // expression -> cel.Program
}

// NewCELEvaluator declares the access-metadata variables.
func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable(string(FieldSecurityLevel), cel.IntType),
		cel.Variable(string(FieldDepartmentOnly), cel.BoolType),
		cel.Variable(string(FieldDepartmentID), cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("creating cel env: %w", err)
	}
	return &CELEvaluator{env: env}, nil
}

func (e *CELEvaluator) program(expr string) (cel.Program, error) {
	if cached, ok := e.programs.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	ast, iss := e.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compiling %q: %w", expr, iss.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression %q yields %s, want bool", expr, ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("planning %q: %w", expr, err)
	}
	e.programs.Store(expr, prg)
	return prg, nil
}

// Admit evaluates expr against d. Evaluation errors deny.
func (e *CELEvaluator) Admit(expr string, d Document) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		string(FieldSecurityLevel):  int64(d.SecurityLevel),
		string(FieldDepartmentOnly): d.IsDepartmentOnly,
		string(FieldDepartmentID):   d.DepartmentID,
	})
	if err != nil {
		return false, fmt.Errorf("evaluating %q: %w", expr, err)
	}
	admitted, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T", expr, out.Value())
	}
	return admitted, nil
}

// FilterDocuments keeps the documents p admits, evaluated through CEL.
func (e *CELEvaluator) FilterDocuments(p Predicate, docs []Document) ([]Document, error) {
	expr, err := ToCEL(p)
	if err != nil {
		return nil, err
	}
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		ok, err := e.Admit(expr, d)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}
