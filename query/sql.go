package query

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/rqlite/sql"
)

// Parse turns predicate text produced by Query.String back into a Query.
func Parse(text string) (*Query, error) {
	q := Select()
	if strings.TrimSpace(text) == "" {
		return q, nil
	}
	parser := sql.NewParser(strings.NewReader("SELECT * FROM sync_data WHERE " + text))
	stmt, err := parser.ParseStatement()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	sel, ok := stmt.(*sql.SelectStatement)
	if !ok || sel.WhereExpr == nil {
		return nil, fmt.Errorf("%w: not a predicate: %q", ErrInvalidQuery, text)
	}
	if err := q.addExpr(sel.WhereExpr); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Query) addExpr(expr sql.Expr) error {
	switch e := expr.(type) {
	case *sql.ParenExpr:
		return q.addExpr(e.X)
	case *sql.BinaryExpr:
		if e.Op == sql.AND {
			if err := q.addExpr(e.X); err != nil {
				return err
			}
			return q.addExpr(e.Y)
		}
		return q.addComparison(e)
	}
	return fmt.Errorf("%w: unsupported expression %s", ErrInvalidQuery, expr.String())
}

func (q *Query) addComparison(e *sql.BinaryExpr) error {
	op := strings.ToUpper(e.Op.String())
	if call, ok := e.X.(*sql.Call); ok {
		if !isHexOfKey(call) {
			return fmt.Errorf("%w: unsupported call %s", ErrInvalidQuery, call.String())
		}
		switch op {
		case "GLOB":
			lit, err := stringLit(e.Y)
			if err != nil {
				return err
			}
			prefix, err := decodeHex(strings.TrimSuffix(lit, "*"))
			if err != nil {
				return err
			}
			q.PrefixKey(prefix)
			return nil
		case "IN", "=":
			var exprs []sql.Expr
			if list, ok := e.Y.(*sql.ExprList); ok {
				exprs = list.Exprs
			} else {
				exprs = []sql.Expr{e.Y}
			}
			keys := make([][]byte, 0, len(exprs))
			for _, x := range exprs {
				lit, err := stringLit(x)
				if err != nil {
					return err
				}
				k, err := decodeHex(lit)
				if err != nil {
					return err
				}
				keys = append(keys, k)
			}
			q.InKeys(keys...)
			return nil
		}
		return fmt.Errorf("%w: unsupported operator %s on key", ErrInvalidQuery, op)
	}

	ident, ok := e.X.(*sql.Ident)
	if !ok {
		return fmt.Errorf("%w: unsupported operand %s", ErrInvalidQuery, e.X.String())
	}
	lit, err := stringLit(e.Y)
	if err != nil {
		return err
	}
	switch column := identName(ident); {
	case column == "key" && op == "GLOB":
		q.KeyGlob(lit)
	case column == "value" && op == "GLOB":
		q.ValueGlob(lit)
	case column == "value" && op == "=":
		q.ValueEqual([]byte(lit))
	default:
		return fmt.Errorf("%w: unsupported condition on %s", ErrInvalidQuery, column)
	}
	return nil
}

func isHexOfKey(call *sql.Call) bool {
	if call.Name == nil || !strings.EqualFold(call.Name.Name, "hex") || len(call.Args) != 1 {
		return false
	}
	ident, ok := call.Args[0].(*sql.Ident)
	return ok && identName(ident) == "key"
}

func identName(ident *sql.Ident) string {
	return strings.ToLower(strings.Trim(ident.Name, `"`))
}

func stringLit(expr sql.Expr) (string, error) {
	lit, ok := expr.(*sql.StringLit)
	if !ok {
		return "", fmt.Errorf("%w: expected string literal, got %s", ErrInvalidQuery, expr.String())
	}
	return lit.Value, nil
}

func decodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad hex literal %q", ErrInvalidQuery, s)
	}
	return b, nil
}
