package schema

import (
	"context"
	"fmt"

	"github.com/edgeflare/pgrest/pkg/errs"
	pg "github.com/edgeflare/pgrest/pkg/pgx"
	"github.com/edgeflare/pgrest/pkg/pgx/codec"
	"github.com/jackc/pgx/v5"
)

// Introspector reads table metadata from the database catalog.
type Introspector interface {
	// ListTables returns the names of the tables and views in the exposed schema.
	ListTables(ctx context.Context) ([]string, error)
	// InspectTable builds a snapshot of one table. It fails with errs.KindUnknownTable
	// when the table does not exist and errs.KindSchemaIntrospection when the catalog
	// could not be read.
	InspectTable(ctx context.Context, table string) (*TableStats, error)
}

// PgIntrospector is the Introspector backed by information_schema and pg_catalog.
type PgIntrospector struct {
	conn   pg.Conn
	schema string
}

// NewPgIntrospector returns an introspector for the tables of schema ("public" when empty).
func NewPgIntrospector(conn pg.Conn, schema string) *PgIntrospector {
	if schema == "" {
		schema = "public"
	}
	return &PgIntrospector{conn: conn, schema: schema}
}

const listTablesQuery = `
	SELECT table_name::text
	FROM information_schema.tables
	WHERE table_schema = $1 AND table_type IN ('BASE TABLE', 'VIEW')
	ORDER BY table_name`

const columnsQuery = `
	SELECT
		c.column_name::text,
		c.data_type::text,
		c.udt_name::text,
		c.is_nullable = 'YES',
		c.column_default IS NOT NULL OR c.is_identity = 'YES' OR c.is_generated = 'ALWAYS',
		c.ordinal_position::int,
		s.null_frac::float8,
		s.n_distinct::float8
	FROM information_schema.columns c
	LEFT JOIN pg_stats s
		ON s.schemaname = c.table_schema
		AND s.tablename = c.table_name
		AND s.attname = c.column_name
	WHERE c.table_schema = $1 AND c.table_name = $2
	ORDER BY c.ordinal_position`

// single column foreign keys to tables of the same schema
const foreignKeysQuery = `
	SELECT a.attname::text, rc.relname::text, ra.attname::text
	FROM pg_constraint con
	JOIN pg_class c ON c.oid = con.conrelid
	JOIN pg_namespace n ON n.oid = c.relnamespace
	JOIN pg_class rc ON rc.oid = con.confrelid
	JOIN pg_namespace rn ON rn.oid = rc.relnamespace
	JOIN pg_attribute a ON a.attrelid = con.conrelid AND a.attnum = con.conkey[1]
	JOIN pg_attribute ra ON ra.attrelid = con.confrelid AND ra.attnum = con.confkey[1]
	WHERE con.contype = 'f'
		AND cardinality(con.conkey) = 1
		AND n.nspname = $1 AND c.relname = $2
		AND rn.nspname = $1
	ORDER BY a.attname, con.conname`

// unique indexes cover both PRIMARY KEY and UNIQUE constraints; partial and expression
// indexes cannot be named by a column list and are skipped
const uniqueKeysQuery = `
	SELECT i.indisprimary, array_agg(a.attname::text ORDER BY k.ord)
	FROM pg_index i
	JOIN pg_class c ON c.oid = i.indrelid
	JOIN pg_namespace n ON n.oid = c.relnamespace
	JOIN pg_class ic ON ic.oid = i.indexrelid
	CROSS JOIN LATERAL unnest(i.indkey::int2[]) WITH ORDINALITY AS k(attnum, ord)
	JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = k.attnum
	WHERE i.indisunique
		AND i.indpred IS NULL
		AND i.indexprs IS NULL
		AND n.nspname = $1 AND c.relname = $2
	GROUP BY i.indexrelid, i.indisprimary, ic.relname
	ORDER BY i.indisprimary DESC, ic.relname`

func (p *PgIntrospector) ListTables(ctx context.Context) ([]string, error) {
	rows, err := p.conn.Query(ctx, listTablesQuery, p.schema)
	if err != nil {
		return nil, errs.Wrap(errs.KindSchemaIntrospection, errs.CodeIntrospection, "list tables", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errs.Wrap(errs.KindSchemaIntrospection, errs.CodeIntrospection, "list tables", err)
	}
	return names, nil
}

// InspectTable sends the column, foreign key and unique key queries in one batch.
func (p *PgIntrospector) InspectTable(ctx context.Context, table string) (*TableStats, error) {
	b := &pgx.Batch{}
	b.Queue(columnsQuery, p.schema, table)
	b.Queue(foreignKeysQuery, p.schema, table)
	b.Queue(uniqueKeysQuery, p.schema, table)

	br := p.conn.SendBatch(ctx, b)
	defer br.Close()

	t := &TableStats{Schema: p.schema, Name: table}
	failed := func(what string, err error) error {
		return errs.Wrap(errs.KindSchemaIntrospection, errs.CodeIntrospection,
			fmt.Sprintf("query %s of %s.%s", what, p.schema, table), err)
	}

	cols, err := queryColumns(br)
	if err != nil {
		return nil, failed("columns", err)
	}
	if len(cols) == 0 {
		return nil, errs.Newf(errs.KindUnknownTable, errs.CodeUnknownTable, "table %q not found", table)
	}
	t.Columns = cols

	if t.ForeignKeys, err = queryForeignKeys(br); err != nil {
		return nil, failed("foreign keys", err)
	}
	if t.PrimaryKey, t.UniqueKeys, err = queryUniqueKeys(br); err != nil {
		return nil, failed("unique keys", err)
	}

	if err := br.Close(); err != nil {
		return nil, failed("batch", err)
	}
	return t, nil
}

func queryColumns(br pgx.BatchResults) ([]Column, error) {
	rows, err := br.Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.DataType, &col.UDTName, &col.Nullable, &col.HasDefault,
			&col.Position, &col.NullFraction, &col.Distinct); err != nil {
			return nil, err
		}
		col.Type = codec.ParseType(col.DataType, col.UDTName)
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

func queryForeignKeys(br pgx.BatchResults) ([]ForeignKey, error) {
	rows, err := br.Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fkeys []ForeignKey
	for rows.Next() {
		var fk ForeignKey
		if err := rows.Scan(&fk.Column, &fk.ReferencedTable, &fk.ReferencedColumn); err != nil {
			return nil, err
		}
		fkeys = append(fkeys, fk)
	}
	return fkeys, rows.Err()
}

func queryUniqueKeys(br pgx.BatchResults) ([]string, [][]string, error) {
	rows, err := br.Query()
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var pkey []string
	var keys [][]string
	for rows.Next() {
		var primary bool
		var cols []string
		if err := rows.Scan(&primary, &cols); err != nil {
			return nil, nil, err
		}
		if primary {
			pkey = cols
		}
		keys = append(keys, cols)
	}
	return pkey, keys, rows.Err()
}
