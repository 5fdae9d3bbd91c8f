package query

import (
	"github.com/edgeflare/pgrest/pkg/pgx/codec"
	"github.com/edgeflare/pgrest/pkg/pgx/schema"
)

// DefaultLimit is the row cap applied when a read names no usable limit.
const DefaultLimit = 10000

// Ref is a column resolved to the alias of the table (or join) it is read from.
type Ref struct {
	TableAlias string
	Column     string
	Type       codec.Type
}

// Hop is one foreign key traversed by a column path.
type Hop struct {
	Column           string // local foreign key column
	Table            string // referenced table
	ReferencedColumn string
}

// ColumnSpec is one requested output column.
type ColumnSpec struct {
	Table  string // base table
	Hops   []Hop  // foreign keys walked from the base table, empty for base columns
	Column string // column selected on the last table
	Alias  string // output key
	Ref    Ref
}

// Join is a LEFT JOIN implied by a column path.
type Join struct {
	Schema           string
	Table            string
	Alias            string
	LocalColumn      string // foreign key column on ParentAlias
	ReferencedColumn string // column of Table it references
	ParentAlias      string
}

// JoinPlan lists joins in discovery order.
type JoinPlan []Join

type Order struct {
	Ref
	Desc bool
}

// SelectAST is a validated read.
type SelectAST struct {
	Schema  string
	Table   string
	Columns []ColumnSpec
	// Stats is set when the request named no columns: the response is the column
	// statistics of Source rather than rows.
	Stats    bool
	Source   *schema.TableStats
	Distinct []Ref
	Where    Expr // nil when absent
	GroupBy  []Ref
	OrderBy  []Order
	Limit    uint64
	Offset   uint64
	Joins    JoinPlan
}

type ConflictAction string

const (
	ConflictNone    ConflictAction = ""
	ConflictUpdate  ConflictAction = "update"
	ConflictNothing ConflictAction = "nothing"
)

// InsertAST is a validated write. Row values are already converted to bind parameters;
// a key missing from a row is inserted as DEFAULT.
type InsertAST struct {
	Schema         string
	Table          string
	Rows           []map[string]any
	Columns        []string // union of row keys, schema order
	ConflictAction ConflictAction
	ConflictTarget []string
	// Returning is empty when only the affected row count is reported.
	Returning []ColumnSpec
}
