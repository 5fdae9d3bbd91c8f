package query

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

// Expr is a node of a compiled WHERE tree. Nodes render themselves with ? placeholders;
// the statement builder numbers them.
type Expr interface {
	sq.Sqlizer
	isExpr()
}

// Operand is either a resolved column or a bound literal.
type Operand struct {
	Column *Ref
	Value  any
	// Cast is the SQL type given to a literal placeholder when no column fixes its type.
	Cast string
}

func (o Operand) toSQL() (string, []any) {
	if o.Column != nil {
		return quoteRef(o.Column.TableAlias, o.Column.Column), nil
	}
	if o.Cast != "" {
		return "?::" + o.Cast, []any{o.Value}
	}
	return "?", []any{o.Value}
}

// Compare is a binary comparison; Op is one of = <> < > <= >=.
type Compare struct {
	Op          string
	Left, Right Operand
}

type InList struct {
	Left   Operand
	Values []Operand
	Not    bool
}

type Like struct {
	Left        Operand
	Pattern     Operand
	Not         bool
	Insensitive bool
}

type IsNull struct {
	Operand Operand
	Not     bool
}

type And []Expr

type Or []Expr

type Not struct {
	Expr Expr
}

func (Compare) isExpr() {}
func (InList) isExpr()  {}
func (Like) isExpr()    {}
func (IsNull) isExpr()  {}
func (And) isExpr()     {}
func (Or) isExpr()      {}
func (Not) isExpr()     {}

func (e Compare) ToSql() (string, []any, error) {
	l, largs := e.Left.toSQL()
	r, rargs := e.Right.toSQL()
	return fmt.Sprintf("%s %s %s", l, e.Op, r), append(largs, rargs...), nil
}

func (e InList) ToSql() (string, []any, error) {
	l, args := e.Left.toSQL()
	items := make([]string, len(e.Values))
	for i, v := range e.Values {
		s, vargs := v.toSQL()
		items[i] = s
		args = append(args, vargs...)
	}
	op := "IN"
	if e.Not {
		op = "NOT IN"
	}
	return fmt.Sprintf("%s %s (%s)", l, op, strings.Join(items, ", ")), args, nil
}

func (e Like) ToSql() (string, []any, error) {
	l, largs := e.Left.toSQL()
	p, pargs := e.Pattern.toSQL()
	op := "LIKE"
	if e.Insensitive {
		op = "ILIKE"
	}
	if e.Not {
		op = "NOT " + op
	}
	return fmt.Sprintf("%s %s %s", l, op, p), append(largs, pargs...), nil
}

func (e IsNull) ToSql() (string, []any, error) {
	s, args := e.Operand.toSQL()
	if e.Not {
		return s + " IS NOT NULL", args, nil
	}
	return s + " IS NULL", args, nil
}

func (e And) ToSql() (string, []any, error) { return sq.And(sqlizers(e)).ToSql() }

func (e Or) ToSql() (string, []any, error) { return sq.Or(sqlizers(e)).ToSql() }

func (e Not) ToSql() (string, []any, error) {
	s, args, err := e.Expr.ToSql()
	if err != nil {
		return "", nil, err
	}
	return "NOT (" + s + ")", args, nil
}

func sqlizers(exprs []Expr) []sq.Sqlizer {
	out := make([]sq.Sqlizer, len(exprs))
	for i, e := range exprs {
		out[i] = e
	}
	return out
}

// quoteIdent quotes a (possibly qualified) identifier. A literal ? is doubled so the
// placeholder pass leaves it alone.
func quoteIdent(parts ...string) string {
	return strings.ReplaceAll(pgx.Identifier(parts).Sanitize(), "?", "??")
}

func quoteRef(alias, column string) string {
	return quoteIdent(alias, column)
}
