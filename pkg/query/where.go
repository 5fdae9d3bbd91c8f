package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/edgeflare/pgrest/pkg/errs"
	"github.com/edgeflare/pgrest/pkg/pgx/codec"
	pg_query "github.com/pganalyze/pg_query_go/v5"
)

// comparison operators accepted in a WHERE clause
var compareOps = map[string]bool{"=": true, "<>": true, "<": true, ">": true, "<=": true, ">=": true}

// the parser's names for [NOT] LIKE / [NOT] ILIKE
var likeOps = map[string]struct{ not, insensitive bool }{
	"~~":   {false, false},
	"!~~":  {true, false},
	"~~*":  {false, true},
	"!~~*": {true, true},
}

type literalKind int

const (
	litNull literalKind = iota
	litInt
	litFloat
	litBool
	litString
)

type literal struct {
	kind literalKind
	text string // digits for numbers, contents for strings
	b    bool
}

// operand is a parsed leaf: a column path or a constant.
type operand struct {
	path []string
	lit  *literal
}

// whereCompiler turns a parsed expression into an Expr, resolving columns through the
// query's Resolver.
type whereCompiler struct {
	ctx      context.Context
	resolver *Resolver
}

// compileWhere parses clause as the condition of a SELECT and compiles it. The clause
// must be a single boolean expression: anything that makes the wrapping statement more
// than "SELECT * FROM t WHERE <expr>" is rejected.
func compileWhere(ctx context.Context, resolver *Resolver, clause string) (Expr, error) {
	if strings.TrimSpace(clause) == "" {
		return nil, invalidWhere("clause is empty")
	}

	result, err := pg_query.Parse("SELECT * FROM a_table WHERE " + clause)
	if err != nil {
		return nil, errs.Wrap(errs.KindClientValidation, errs.CodeInvalidWhere, "invalid `where`", err)
	}
	if len(result.Stmts) != 1 {
		return nil, invalidWhere("must be a single expression")
	}
	sel := result.Stmts[0].GetStmt().GetSelectStmt()
	if sel == nil || !plainSelect(sel) {
		return nil, invalidWhere("must be a single expression")
	}

	wc := &whereCompiler{ctx: ctx, resolver: resolver}
	return wc.expr(sel.WhereClause)
}

func plainSelect(s *pg_query.SelectStmt) bool {
	return s.Op == pg_query.SetOperation_SETOP_NONE &&
		s.WhereClause != nil &&
		len(s.TargetList) == 1 &&
		len(s.FromClause) == 1 &&
		len(s.DistinctClause) == 0 &&
		s.IntoClause == nil &&
		len(s.GroupClause) == 0 &&
		s.HavingClause == nil &&
		len(s.WindowClause) == 0 &&
		len(s.ValuesLists) == 0 &&
		len(s.SortClause) == 0 &&
		s.LimitOffset == nil &&
		s.LimitCount == nil &&
		len(s.LockingClause) == 0 &&
		s.WithClause == nil
}

func (c *whereCompiler) expr(n *pg_query.Node) (Expr, error) {
	switch {
	case n.GetBoolExpr() != nil:
		return c.boolExpr(n.GetBoolExpr())
	case n.GetAExpr() != nil:
		return c.aExpr(n.GetAExpr())
	case n.GetNullTest() != nil:
		return c.nullTest(n.GetNullTest())
	}
	return nil, invalidWhere(fmt.Sprintf("unsupported expression %s", nodeName(n)))
}

func (c *whereCompiler) boolExpr(b *pg_query.BoolExpr) (Expr, error) {
	args := make([]Expr, 0, len(b.Args))
	for _, arg := range b.Args {
		e, err := c.expr(arg)
		if err != nil {
			return nil, err
		}
		args = append(args, e)
	}

	switch b.Boolop {
	case pg_query.BoolExprType_AND_EXPR:
		return And(args), nil
	case pg_query.BoolExprType_OR_EXPR:
		return Or(args), nil
	case pg_query.BoolExprType_NOT_EXPR:
		if len(args) != 1 {
			return nil, invalidWhere("NOT takes one operand")
		}
		return Not{Expr: args[0]}, nil
	}
	return nil, invalidWhere("unsupported boolean operator")
}

func (c *whereCompiler) nullTest(t *pg_query.NullTest) (Expr, error) {
	o, err := c.leaf(t.Arg)
	if err != nil {
		return nil, err
	}
	if o.path == nil {
		return nil, invalidWhere("IS [NOT] NULL applies to columns only")
	}
	ref, err := c.resolve(o.path)
	if err != nil {
		return nil, err
	}
	return IsNull{Operand: Operand{Column: &ref}, Not: t.Nulltesttype == pg_query.NullTestType_IS_NOT_NULL}, nil
}

func (c *whereCompiler) aExpr(a *pg_query.A_Expr) (Expr, error) {
	op := operatorName(a.Name)
	if a.Lexpr == nil || a.Rexpr == nil {
		return nil, invalidWhere(fmt.Sprintf("unsupported operator %q", op))
	}

	switch a.Kind {
	case pg_query.A_Expr_Kind_AEXPR_OP:
		if !compareOps[op] {
			return nil, invalidWhere(fmt.Sprintf("unsupported operator %q", op))
		}
		operands, err := c.operands(a.Lexpr, a.Rexpr)
		if err != nil {
			return nil, err
		}
		return Compare{Op: op, Left: operands[0], Right: operands[1]}, nil

	case pg_query.A_Expr_Kind_AEXPR_IN:
		list := a.Rexpr.GetList()
		if list == nil {
			return nil, invalidWhere("IN expects a list of values")
		}
		operands, err := c.operands(append([]*pg_query.Node{a.Lexpr}, list.Items...)...)
		if err != nil {
			return nil, err
		}
		return InList{Left: operands[0], Values: operands[1:], Not: op == "<>"}, nil

	case pg_query.A_Expr_Kind_AEXPR_LIKE, pg_query.A_Expr_Kind_AEXPR_ILIKE:
		like, ok := likeOps[op]
		if !ok {
			return nil, invalidWhere(fmt.Sprintf("unsupported operator %q", op))
		}
		left, err := c.leaf(a.Lexpr)
		if err != nil {
			return nil, err
		}
		if left.path == nil {
			return nil, invalidWhere("LIKE expects a column on the left")
		}
		ref, err := c.resolve(left.path)
		if err != nil {
			return nil, err
		}
		if !ref.Type.Textual() {
			return nil, invalidWhere(fmt.Sprintf("LIKE requires a text column, %q is %s", strings.Join(left.path, "."), ref.Type))
		}
		operands, err := c.operands(a.Lexpr, a.Rexpr)
		if err != nil {
			return nil, err
		}
		return Like{Left: operands[0], Pattern: operands[1], Not: like.not, Insensitive: like.insensitive}, nil
	}

	return nil, invalidWhere(fmt.Sprintf("unsupported expression %s", strings.TrimPrefix(a.Kind.String(), "AEXPR_")))
}

// operands compiles leaves that are compared with each other. Literals take the type of
// the first column among them; when there is none they are cast by their own kind.
func (c *whereCompiler) operands(nodes ...*pg_query.Node) ([]Operand, error) {
	leaves := make([]operand, len(nodes))
	refs := make([]*Ref, len(nodes))
	var anchor *Ref
	var anchorPath string
	for i, n := range nodes {
		o, err := c.leaf(n)
		if err != nil {
			return nil, err
		}
		leaves[i] = o
		if o.path != nil {
			ref, err := c.resolve(o.path)
			if err != nil {
				return nil, err
			}
			refs[i] = &ref
			if anchor == nil {
				anchor, anchorPath = &ref, strings.Join(o.path, ".")
			}
		}
	}

	out := make([]Operand, len(nodes))
	for i, o := range leaves {
		if refs[i] != nil {
			out[i] = Operand{Column: refs[i]}
			continue
		}
		if anchor == nil {
			out[i] = castLiteral(o.lit)
			continue
		}
		v, err := coerceLiteral(anchorPath, o.lit, anchor.Type)
		if err != nil {
			return nil, err
		}
		out[i] = Operand{Value: v}
	}
	return out, nil
}

func (c *whereCompiler) leaf(n *pg_query.Node) (operand, error) {
	if ref := n.GetColumnRef(); ref != nil {
		path := make([]string, 0, len(ref.Fields))
		for _, f := range ref.Fields {
			s := f.GetString_()
			if s == nil {
				return operand{}, invalidWhere("* is not a column")
			}
			path = append(path, s.Sval)
		}
		return operand{path: path}, nil
	}

	if k := n.GetAConst(); k != nil {
		switch {
		case k.Isnull:
			return operand{lit: &literal{kind: litNull}}, nil
		case k.GetIval() != nil:
			return operand{lit: &literal{kind: litInt, text: strconv.FormatInt(int64(k.GetIval().Ival), 10)}}, nil
		case k.GetFval() != nil:
			return operand{lit: &literal{kind: litFloat, text: k.GetFval().Fval}}, nil
		case k.GetBoolval() != nil:
			return operand{lit: &literal{kind: litBool, b: k.GetBoolval().Boolval}}, nil
		case k.GetSval() != nil:
			return operand{lit: &literal{kind: litString, text: k.GetSval().Sval}}, nil
		}
		return operand{}, invalidWhere("unsupported constant")
	}

	return operand{}, invalidWhere(fmt.Sprintf("unsupported operand %s", nodeName(n)))
}

func (c *whereCompiler) resolve(path []string) (Ref, error) {
	ref, _, err := c.resolver.Resolve(c.ctx, path)
	return ref, err
}

// coerceLiteral binds lit to the type of the column it is compared with.
func coerceLiteral(column string, lit *literal, t codec.Type) (any, error) {
	switch lit.kind {
	case litNull:
		return nil, nil
	case litInt, litFloat:
		return codec.ToParam(column, json.Number(lit.text), t)
	case litBool:
		return codec.ToParam(column, lit.b, t)
	}
	return codec.ParseLiteral(column, lit.text, t)
}

func castLiteral(lit *literal) Operand {
	switch lit.kind {
	case litInt:
		n, _ := strconv.ParseInt(lit.text, 10, 64)
		return Operand{Value: n, Cast: "bigint"}
	case litFloat:
		return Operand{Value: lit.text, Cast: "numeric"}
	case litBool:
		return Operand{Value: lit.b, Cast: "boolean"}
	case litString:
		return Operand{Value: lit.text, Cast: "text"}
	}
	return Operand{Value: nil, Cast: "text"}
}

func operatorName(names []*pg_query.Node) string {
	parts := make([]string, 0, len(names))
	for _, n := range names {
		if s := n.GetString_(); s != nil {
			parts = append(parts, s.Sval)
		}
	}
	return strings.Join(parts, ".")
}

// nodeName names the node type for error messages, e.g. "FuncCall".
func nodeName(n *pg_query.Node) string {
	if n == nil || n.Node == nil {
		return "<nil>"
	}
	name := fmt.Sprintf("%T", n.Node)
	name = name[strings.LastIndex(name, "_")+1:]
	return name
}

func invalidWhere(msg string) error {
	return errs.New(errs.KindClientValidation, errs.CodeInvalidWhere, "invalid `where`: "+msg)
}
