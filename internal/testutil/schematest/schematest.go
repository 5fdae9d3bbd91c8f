// Package schematest provides an in-memory schema.Introspector and table fixtures.
package schematest

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/edgeflare/pgrest/pkg/errs"
	"github.com/edgeflare/pgrest/pkg/pgx/codec"
	"github.com/edgeflare/pgrest/pkg/pgx/schema"
)

// Introspector serves TableStats from memory and counts catalog reads.
type Introspector struct {
	// Err, when set, is returned by every call.
	Err error
	// Transient makes the next N InspectTable calls fail with a retryable error.
	Transient int
	// Block, when set, makes InspectTable wait until it is closed.
	Block chan struct{}

	mu     sync.Mutex
	tables map[string]*schema.TableStats
	calls  map[string]int
}

// New returns an introspector serving tables.
func New(tables ...*schema.TableStats) *Introspector {
	f := &Introspector{tables: map[string]*schema.TableStats{}, calls: map[string]int{}}
	for _, t := range tables {
		f.tables[t.Name] = t
	}
	return f
}

// Put adds or replaces a table, as a DDL statement would.
func (f *Introspector) Put(t *schema.TableStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[t.Name] = t
}

// Drop removes a table.
func (f *Introspector) Drop(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tables, name)
}

// Calls returns the number of InspectTable calls made for table.
func (f *Introspector) Calls(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[table]
}

func (f *Introspector) ListTables(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return slices.Sorted(maps.Keys(f.tables)), nil
}

func (f *Introspector) InspectTable(ctx context.Context, table string) (*schema.TableStats, error) {
	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[table]++
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Transient > 0 {
		f.Transient--
		return nil, errs.New(errs.KindSchemaIntrospection, errs.CodeIntrospection, "connection reset")
	}
	t, ok := f.tables[table]
	if !ok {
		return nil, errs.Newf(errs.KindUnknownTable, errs.CodeUnknownTable, "table %q not found", table)
	}
	// hand out a fresh copy so identity checks can tell loads apart
	cp := *t
	return &cp, nil
}

// Col builds a column from its catalog data_type and udt_name.
func Col(name, dataType, udt string, opts ...func(*schema.Column)) schema.Column {
	c := schema.Column{
		Name:     name,
		DataType: dataType,
		UDTName:  udt,
		Type:     codec.ParseType(dataType, udt),
		Nullable: true,
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Column options for Col.
func NotNull(c *schema.Column)    { c.Nullable = false }
func HasDefault(c *schema.Column) { c.HasDefault = true }

func Serial(c *schema.Column) {
	c.Nullable = false
	c.HasDefault = true
}

func Stats(nullFrac, distinct float64) func(*schema.Column) {
	return func(c *schema.Column) { c.NullFraction, c.Distinct = &nullFrac, &distinct }
}

// Table assembles a TableStats in the public schema, numbering columns in order.
func Table(name string, pkey []string, fkeys []schema.ForeignKey, unique [][]string, cols ...schema.Column) *schema.TableStats {
	for i := range cols {
		cols[i].Position = i + 1
	}
	keys := [][]string{}
	if len(pkey) > 0 {
		keys = append(keys, pkey)
	}
	keys = append(keys, unique...)
	return &schema.TableStats{
		Schema:      "public",
		Name:        name,
		Columns:     cols,
		PrimaryKey:  pkey,
		ForeignKeys: fkeys,
		UniqueKeys:  keys,
	}
}

// Family is the child -> adult -> company chain:
//
//	company(id, name)
//	adult(id, name, company_id -> company.id)
//	child(id, name, parent_id -> adult.id)
func Family() []*schema.TableStats {
	return []*schema.TableStats{
		Table("company", []string{"id"}, nil, nil,
			Col("id", "integer", "int4", Serial),
			Col("name", "text", "text", NotNull),
		),
		Table("adult", []string{"id"},
			[]schema.ForeignKey{{Column: "company_id", ReferencedTable: "company", ReferencedColumn: "id"}},
			nil,
			Col("id", "integer", "int4", Serial),
			Col("name", "text", "text", NotNull),
			Col("company_id", "integer", "int4"),
		),
		Table("child", []string{"id"},
			[]schema.ForeignKey{{Column: "parent_id", ReferencedTable: "adult", ReferencedColumn: "id"}},
			nil,
			Col("id", "integer", "int4", Serial, Stats(0, -1)),
			Col("name", "text", "text", NotNull, Stats(0, 3)),
			Col("parent_id", "integer", "int4", Stats(0.25, 2)),
		),
	}
}

// Cyclic returns tables whose foreign keys form loops: employee references itself and
// node_a and node_b reference each other.
func Cyclic() []*schema.TableStats {
	return []*schema.TableStats{
		Table("employee", []string{"id"},
			[]schema.ForeignKey{{Column: "manager_id", ReferencedTable: "employee", ReferencedColumn: "id"}},
			nil,
			Col("id", "integer", "int4", Serial),
			Col("name", "text", "text"),
			Col("manager_id", "integer", "int4"),
		),
		Table("node_a", []string{"id"},
			[]schema.ForeignKey{{Column: "b_id", ReferencedTable: "node_b", ReferencedColumn: "id"}},
			nil,
			Col("id", "integer", "int4", Serial),
			Col("b_id", "integer", "int4"),
		),
		Table("node_b", []string{"id"},
			[]schema.ForeignKey{{Column: "a_id", ReferencedTable: "node_a", ReferencedColumn: "id"}},
			nil,
			Col("id", "integer", "int4", Serial),
			Col("a_id", "integer", "int4"),
			Col("label", "text", "text"),
		),
	}
}

// Typed is a table with one column per supported type family:
//
//	item(id bigint pk, sku uuid unique, price numeric, mac macaddr, created_at timestamptz,
//	     tags text[], doc jsonb, note varchar default, (region, code) unique)
func Typed() *schema.TableStats {
	return Table("item", []string{"id"}, nil, [][]string{{"sku"}, {"region", "code"}},
		Col("id", "bigint", "int8", Serial),
		Col("sku", "uuid", "uuid", NotNull),
		Col("price", "numeric", "numeric"),
		Col("mac", "macaddr", "macaddr"),
		Col("created_at", "timestamp with time zone", "timestamptz", HasDefault),
		Col("tags", "ARRAY", "_text"),
		Col("doc", "jsonb", "jsonb"),
		Col("note", "character varying", "varchar", HasDefault),
		Col("region", "text", "text"),
		Col("code", "integer", "int4"),
		Col("flags", "bit", "bit"),
	)
}

// All returns every fixture table.
func All() []*schema.TableStats {
	return append(append(Family(), Cyclic()...), Typed())
}
