package query

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/edgeflare/pgrest/pkg/errs"
	"github.com/edgeflare/pgrest/pkg/pgx/codec"
)

// Compiler validates raw request parameters against the schema cache. It holds no
// per-request state and is safe for concurrent use.
type Compiler struct {
	tables   TableLookup
	maxLimit uint64
}

type CompilerOption func(*Compiler)

// WithMaxLimit sets the default and maximum number of rows a read returns.
func WithMaxLimit(n uint64) CompilerOption {
	return func(c *Compiler) {
		if n > 0 {
			c.maxLimit = n
		}
	}
}

func NewCompiler(tables TableLookup, opts ...CompilerOption) *Compiler {
	c := &Compiler{tables: tables, maxLimit: DefaultLimit}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CompileSelect builds the read of table described by p. Without a `columns` parameter the
// result is a statistics request and the remaining parameters are ignored.
func (c *Compiler) CompileSelect(ctx context.Context, table string, p RawParams) (*SelectAST, error) {
	base, err := c.tables.Get(ctx, strings.ToLower(table))
	if err != nil {
		return nil, err
	}

	ast := &SelectAST{Schema: base.Schema, Table: base.Name, Source: base}
	if p.Columns == nil {
		ast.Stats = true
		return ast, nil
	}

	r := NewResolver(c.tables, base)

	items, err := parseColumnList("columns", *p.Columns)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if seen[item.Alias] {
			return nil, invalidParam("columns", fmt.Sprintf("duplicate output column %q", item.Alias))
		}
		seen[item.Alias] = true

		ref, hops, err := r.Resolve(ctx, item.Path)
		if err != nil {
			return nil, err
		}
		ast.Columns = append(ast.Columns, ColumnSpec{
			Table:  base.Name,
			Hops:   hops,
			Column: ref.Column,
			Alias:  item.Alias,
			Ref:    ref,
		})
	}

	if p.Distinct != nil {
		items, err := parseColumnList("distinct", *p.Distinct)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			ref, err := r.Lookup(ctx, item.Path)
			if err != nil {
				return nil, err
			}
			ast.Distinct = append(ast.Distinct, ref)
		}
	}

	if p.Where != nil {
		if ast.Where, err = compileWhere(ctx, r, *p.Where); err != nil {
			return nil, err
		}
	}

	if p.GroupBy != nil {
		items, err := parseColumnList("group_by", *p.GroupBy)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			ref, _, err := r.Resolve(ctx, item.Path)
			if err != nil {
				return nil, err
			}
			ast.GroupBy = append(ast.GroupBy, ref)
		}
	}

	if p.OrderBy != nil {
		items, err := parseOrderList(*p.OrderBy)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			ref, _, err := r.Resolve(ctx, item.Path)
			if err != nil {
				return nil, err
			}
			ast.OrderBy = append(ast.OrderBy, Order{Ref: ref, Desc: item.Desc})
		}
	}
	if err := checkDistinctOrder(ast.Distinct, ast.OrderBy); err != nil {
		return nil, err
	}

	ast.Limit = parseLimit(p.Limit, c.maxLimit)
	ast.Offset = parseOffset(p.Offset)
	ast.Joins = r.Joins()
	return ast, nil
}

// CompileInsert builds the write of body into table. body is a JSON object or a non-empty
// array of objects whose keys name columns of table.
func (c *Compiler) CompileInsert(ctx context.Context, table string, p RawParams, body []byte) (*InsertAST, error) {
	base, err := c.tables.Get(ctx, strings.ToLower(table))
	if err != nil {
		return nil, err
	}
	ast := &InsertAST{Schema: base.Schema, Table: base.Name}

	if (p.ConflictAction == nil) != (p.ConflictTarget == nil) {
		return nil, incorrectBody("`conflict_action` and `conflict_target` must both be present for the ON CONFLICT clause")
	}
	if p.ConflictAction != nil {
		switch action := ConflictAction(strings.ToLower(strings.TrimSpace(*p.ConflictAction))); action {
		case ConflictUpdate, ConflictNothing:
			ast.ConflictAction = action
		default:
			return nil, incorrectBody("valid options for `conflict_action` are: `nothing`, `update`")
		}

		items, err := parseColumnList("conflict_target", *p.ConflictTarget)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if len(item.Path) != 1 || item.Alias != item.Path[0] {
				return nil, invalidParam("conflict_target", fmt.Sprintf("%q is not a column of %q", item.Alias, base.Name))
			}
			if _, ok := base.Column(item.Path[0]); !ok {
				return nil, unknownColumn(base.Name, item.Path[0])
			}
			ast.ConflictTarget = append(ast.ConflictTarget, item.Path[0])
		}
		if !base.IsUniqueKey(ast.ConflictTarget) {
			return nil, errs.Newf(errs.KindClientValidation, errs.CodeInvalidConflictTarget,
				"`conflict_target` (%s) does not match a primary key or unique constraint of %q",
				strings.Join(ast.ConflictTarget, ", "), base.Name)
		}
	}

	if p.ReturningColumns != nil {
		if strings.TrimSpace(*p.ReturningColumns) == "" {
			return nil, incorrectBody("`returning_columns` must be a comma-separated list of column names and include at least one column name")
		}
		items, err := parseColumnList("returning_columns", *p.ReturningColumns)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(items))
		for _, item := range items {
			if len(item.Path) != 1 {
				return nil, invalidParam("returning_columns", fmt.Sprintf("%q: only columns of %q can be returned", strings.Join(item.Path, "."), base.Name))
			}
			if seen[item.Alias] {
				return nil, invalidParam("returning_columns", fmt.Sprintf("duplicate output column %q", item.Alias))
			}
			seen[item.Alias] = true
			col, ok := base.Column(item.Path[0])
			if !ok {
				return nil, unknownColumn(base.Name, item.Path[0])
			}
			ast.Returning = append(ast.Returning, ColumnSpec{
				Table:  base.Name,
				Column: col.Name,
				Alias:  item.Alias,
				Ref:    Ref{Column: col.Name, Type: col.Type},
			})
		}
	}

	objects, err := decodeRows(body)
	if err != nil {
		return nil, err
	}

	present := make(map[string]bool)
	for _, obj := range objects {
		row := make(map[string]any, len(obj))
		for key, v := range obj {
			col, ok := base.Column(key)
			if !ok {
				return nil, unknownColumn(base.Name, key)
			}
			if row[key], err = codec.ToParam(key, v, col.Type); err != nil {
				return nil, err
			}
			present[key] = true
		}
		ast.Rows = append(ast.Rows, row)
	}
	for _, col := range base.Columns {
		if present[col.Name] {
			ast.Columns = append(ast.Columns, col.Name)
		}
	}
	return ast, nil
}

// decodeRows accepts a JSON object or an array of objects. Numbers are kept as
// json.Number so decimals and 64 bit integers survive exactly.
func decodeRows(body []byte) ([]map[string]any, error) {
	const shape = "the body must be an object or an array of objects whose keys are column names"

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, incorrectBody("the body is empty")
		}
		return nil, errs.Wrap(errs.KindClientValidation, errs.CodeIncorrectRequest, "malformed JSON body", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, incorrectBody("unexpected data after the JSON body")
	}

	switch body := v.(type) {
	case map[string]any:
		return []map[string]any{body}, nil
	case []any:
		if len(body) == 0 {
			return nil, incorrectBody("the body contains no rows")
		}
		rows := make([]map[string]any, len(body))
		for i, item := range body {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, incorrectBody(shape)
			}
			rows[i] = obj
		}
		return rows, nil
	}
	return nil, incorrectBody(shape)
}

func incorrectBody(msg string) error {
	return errs.New(errs.KindClientValidation, errs.CodeIncorrectRequest, msg)
}

// checkDistinctOrder enforces the DISTINCT ON rule of PostgreSQL: the leftmost order_by
// columns must be distinct columns until every distinct column has been named.
func checkDistinctOrder(distinct []Ref, order []Order) error {
	if len(distinct) == 0 {
		return nil
	}
	pending := make(map[Ref]bool, len(distinct))
	for _, ref := range distinct {
		pending[refKey(ref)] = true
	}
	named := make(map[Ref]bool, len(distinct))
	for _, o := range order {
		if len(named) == len(pending) {
			return nil
		}
		key := refKey(o.Ref)
		if !pending[key] {
			return invalidParam("order_by", fmt.Sprintf("%q must come after the `distinct` columns", o.Column))
		}
		named[key] = true
	}
	return nil
}

// refKey drops the type so refs compare by table alias and column.
func refKey(r Ref) Ref {
	return Ref{TableAlias: r.TableAlias, Column: r.Column}
}

func unknownColumn(table, column string) error {
	return errs.Newf(errs.KindUnknownColumn, errs.CodeUnknownColumn, "column %q does not exist on table %q", column, table)
}

// ColumnKeys returns the output keys of specs in order.
func ColumnKeys(specs []ColumnSpec) []string {
	keys := make([]string, len(specs))
	for i, s := range specs {
		keys[i] = s.Alias
	}
	return keys
}
