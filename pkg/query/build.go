package query

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// MaxParams is the number of bind parameters Postgres accepts in one statement.
const MaxParams = 65535

// Statement is SQL text with $n placeholders and the values bound to them.
type Statement struct {
	SQL  string
	Args []any
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var errStatsQuery = errors.New("query: statistics requests are answered from the schema cache")

// BuildSelect renders a read. The same AST always renders the same statement.
func BuildSelect(ast *SelectAST) (Statement, error) {
	if ast.Stats {
		return Statement{}, errStatsQuery
	}
	if len(ast.Columns) == 0 {
		return Statement{}, errors.New("query: select without columns")
	}

	cols := make([]string, len(ast.Columns))
	for i, c := range ast.Columns {
		cols[i] = quoteRef(c.Ref.TableAlias, c.Ref.Column) + " AS " + quoteIdent(c.Alias)
	}

	b := psql.Select(cols...).From(quoteIdent(ast.Schema, ast.Table) + " AS " + quoteIdent(BaseAlias))

	if len(ast.Distinct) > 0 {
		on := make([]string, len(ast.Distinct))
		for i, r := range ast.Distinct {
			on[i] = quoteRef(r.TableAlias, r.Column)
		}
		b = b.Options("DISTINCT ON (" + strings.Join(on, ", ") + ")")
	}

	for _, j := range ast.Joins {
		b = b.LeftJoin(fmt.Sprintf("%s AS %s ON %s = %s",
			quoteIdent(j.Schema, j.Table), quoteIdent(j.Alias),
			quoteRef(j.Alias, j.ReferencedColumn), quoteRef(j.ParentAlias, j.LocalColumn)))
	}

	if ast.Where != nil {
		b = b.Where(ast.Where)
	}

	if len(ast.GroupBy) > 0 {
		group := make([]string, len(ast.GroupBy))
		for i, r := range ast.GroupBy {
			group[i] = quoteRef(r.TableAlias, r.Column)
		}
		b = b.GroupBy(group...)
	}

	if len(ast.OrderBy) > 0 {
		order := make([]string, len(ast.OrderBy))
		for i, o := range ast.OrderBy {
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			order[i] = quoteRef(o.TableAlias, o.Column) + " " + dir
		}
		b = b.OrderBy(order...)
	}

	b = b.Suffix("LIMIT ? OFFSET ?", int64(ast.Limit), int64(ast.Offset))

	sql, args, err := b.ToSql()
	if err != nil {
		return Statement{}, fmt.Errorf("query: build select: %w", err)
	}
	return Statement{SQL: sql, Args: args}, nil
}

// BuildInsert renders a write. Rows are split over several statements when they would
// bind more than MaxParams values; the executor runs them in one transaction.
func BuildInsert(ast *InsertAST) ([]Statement, error) {
	if len(ast.Rows) == 0 {
		return nil, errors.New("query: insert without rows")
	}

	table := quoteIdent(ast.Schema, ast.Table)
	suffix := insertSuffix(ast)

	// every row is {}: one DEFAULT VALUES statement per row
	if len(ast.Columns) == 0 {
		sql, err := sq.Dollar.ReplacePlaceholders(strings.TrimSpace("INSERT INTO " + table + " DEFAULT VALUES " + suffix))
		if err != nil {
			return nil, fmt.Errorf("query: build insert: %w", err)
		}
		stmts := make([]Statement, len(ast.Rows))
		for i := range stmts {
			stmts[i] = Statement{SQL: sql}
		}
		return stmts, nil
	}

	cols := make([]string, len(ast.Columns))
	for i, c := range ast.Columns {
		cols[i] = quoteIdent(c)
	}
	newBuilder := func() sq.InsertBuilder {
		b := psql.Insert(table).Columns(cols...)
		if suffix != "" {
			b = b.Suffix(suffix)
		}
		return b
	}

	var stmts []Statement
	flush := func(b sq.InsertBuilder) error {
		sql, args, err := b.ToSql()
		if err != nil {
			return fmt.Errorf("query: build insert: %w", err)
		}
		stmts = append(stmts, Statement{SQL: sql, Args: args})
		return nil
	}

	b, rows, params := newBuilder(), 0, 0
	for _, row := range ast.Rows {
		if rows > 0 && params+len(row) > MaxParams {
			if err := flush(b); err != nil {
				return nil, err
			}
			b, rows, params = newBuilder(), 0, 0
		}
		values := make([]any, len(ast.Columns))
		for i, c := range ast.Columns {
			if v, ok := row[c]; ok {
				values[i] = v
			} else {
				values[i] = sq.Expr("DEFAULT")
			}
		}
		b = b.Values(values...)
		rows++
		params += len(row)
	}
	if err := flush(b); err != nil {
		return nil, err
	}
	return stmts, nil
}

func insertSuffix(ast *InsertAST) string {
	var parts []string

	if ast.ConflictAction != ConflictNone {
		target := make([]string, len(ast.ConflictTarget))
		for i, c := range ast.ConflictTarget {
			target[i] = quoteIdent(c)
		}
		clause := "ON CONFLICT (" + strings.Join(target, ", ") + ")"

		switch ast.ConflictAction {
		case ConflictNothing:
			clause += " DO NOTHING"
		case ConflictUpdate:
			var set []string
			for _, c := range ast.Columns {
				if !slices.Contains(ast.ConflictTarget, c) {
					set = append(set, quoteIdent(c)+" = EXCLUDED."+quoteIdent(c))
				}
			}
			if len(set) == 0 {
				// only target columns were sent: a no-op update still reports the row
				c := quoteIdent(ast.ConflictTarget[0])
				set = append(set, c+" = EXCLUDED."+c)
			}
			clause += " DO UPDATE SET " + strings.Join(set, ", ")
		}
		parts = append(parts, clause)
	}

	if len(ast.Returning) > 0 {
		ret := make([]string, len(ast.Returning))
		for i, c := range ast.Returning {
			ret[i] = quoteIdent(c.Column) + " AS " + quoteIdent(c.Alias)
		}
		parts = append(parts, "RETURNING "+strings.Join(ret, ", "))
	}

	return strings.Join(parts, " ")
}
