package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/edgeflare/pgrest/pkg/errs"
	"github.com/edgeflare/pgrest/pkg/pgx/schema"
)

const (
	// BaseAlias is the alias of the queried table.
	BaseAlias = "t0"
	// MaxDepth bounds the number of foreign keys a single path may traverse.
	MaxDepth = 16
)

// TableLookup returns the catalog snapshot of a table. *schema.Cache implements it.
type TableLookup interface {
	Get(ctx context.Context, table string) (*schema.TableStats, error)
}

// Resolver walks dotted column paths from one base table along foreign keys and
// accumulates the joins they imply. A Resolver belongs to a single query.
type Resolver struct {
	tables TableLookup
	base   *schema.TableStats
	joins  JoinPlan
	// hop path prefix ("parent_id.company_id") -> index into joins
	byPath map[string]int
}

func NewResolver(tables TableLookup, base *schema.TableStats) *Resolver {
	return &Resolver{tables: tables, base: base, byPath: map[string]int{}}
}

// Resolve resolves path, adding a join for every hop prefix not seen before.
func (r *Resolver) Resolve(ctx context.Context, path []string) (Ref, []Hop, error) {
	return r.resolve(ctx, path, false)
}

// Lookup resolves path against the base table and the joins already added, without
// adding joins.
func (r *Resolver) Lookup(ctx context.Context, path []string) (Ref, error) {
	ref, _, err := r.resolve(ctx, path, true)
	return ref, err
}

// Joins returns the joins added so far in discovery order.
func (r *Resolver) Joins() JoinPlan {
	return r.joins
}

func (r *Resolver) resolve(ctx context.Context, path []string, lookupOnly bool) (Ref, []Hop, error) {
	dotted := strings.Join(path, ".")
	fail := func(segment, format string, args ...any) error {
		return &errs.UnresolvedPathError{Path: dotted, Segment: segment, Reason: fmt.Sprintf(format, args...)}
	}

	if len(path) == 0 {
		return Ref{}, nil, fail("", "empty column path")
	}
	if len(path)-1 > MaxDepth {
		return Ref{}, nil, fail(path[MaxDepth], "path traverses more than %d foreign keys", MaxDepth)
	}

	current := r.base
	alias := BaseAlias
	visited := map[string]bool{current.Name: true}
	var hops []Hop

	for i, segment := range path[:len(path)-1] {
		if segment == "" {
			return Ref{}, nil, fail(segment, "empty path segment")
		}
		if _, ok := current.Column(segment); !ok {
			return Ref{}, nil, fail(segment, "no column %q on table %q", segment, current.Name)
		}
		fk, ok := current.ForeignKey(segment)
		if !ok {
			return Ref{}, nil, fail(segment, "column %q of table %q is not a foreign key", segment, current.Name)
		}
		if visited[fk.ReferencedTable] {
			return Ref{}, nil, fail(segment, "foreign key chain revisits table %q", fk.ReferencedTable)
		}

		next, err := r.tables.Get(ctx, fk.ReferencedTable)
		if err != nil {
			if errs.IsUnknownTable(err) {
				return Ref{}, nil, fail(segment, "referenced table %q not found", fk.ReferencedTable)
			}
			return Ref{}, nil, err
		}

		key := strings.Join(path[:i+1], ".")
		idx, seen := r.byPath[key]
		switch {
		case seen:
		case lookupOnly:
			return Ref{}, nil, fail(segment, "join on %q is not implied by the selected columns", key)
		default:
			idx = len(r.joins)
			r.joins = append(r.joins, Join{
				Schema:           next.Schema,
				Table:            next.Name,
				Alias:            fmt.Sprintf("t%d", idx+1),
				LocalColumn:      segment,
				ReferencedColumn: fk.ReferencedColumn,
				ParentAlias:      alias,
			})
			r.byPath[key] = idx
		}

		alias = r.joins[idx].Alias
		visited[next.Name] = true
		hops = append(hops, Hop{Column: segment, Table: next.Name, ReferencedColumn: fk.ReferencedColumn})
		current = next
	}

	last := path[len(path)-1]
	col, ok := current.Column(last)
	if !ok {
		return Ref{}, nil, fail(last, "no column %q on table %q", last, current.Name)
	}
	return Ref{TableAlias: alias, Column: col.Name, Type: col.Type}, hops, nil
}
