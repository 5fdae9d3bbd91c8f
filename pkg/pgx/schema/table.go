package schema

import (
	"slices"

	"github.com/edgeflare/pgrest/pkg/pgx/codec"
)

// TableStats is an immutable snapshot of one table's catalog metadata. Once installed in
// the Cache a TableStats value is never modified; a refresh installs a new one.
type TableStats struct {
	Schema      string       `json:"schema"`
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"` // ordinal order
	PrimaryKey  []string     `json:"primary_key"`
	ForeignKeys []ForeignKey `json:"foreign_keys"`
	// UniqueKeys lists the column sets usable as an ON CONFLICT target, the primary key
	// included.
	UniqueKeys [][]string `json:"unique_keys"`
}

type Column struct {
	Name       string     `json:"name"`
	DataType   string     `json:"data_type"`
	UDTName    string     `json:"udt_name"`
	Type       codec.Type `json:"-"`
	Nullable   bool       `json:"is_nullable"`
	HasDefault bool       `json:"has_default"`
	Position   int        `json:"position"`
	// NullFraction and Distinct come from pg_stats and stay nil until the table has
	// been analyzed.
	NullFraction *float64 `json:"null_fraction"`
	Distinct     *float64 `json:"n_distinct"`
}

type ForeignKey struct {
	Column           string `json:"column"`
	ReferencedTable  string `json:"referenced_table"`
	ReferencedColumn string `json:"referenced_column"`
}

// ColumnStat is one row of the statistics returned when a read names no columns.
type ColumnStat struct {
	Column       string   `json:"column_name"`
	Type         string   `json:"column_type"`
	Nullable     bool     `json:"is_nullable"`
	HasDefault   bool     `json:"has_default"`
	PrimaryKey   bool     `json:"is_primary_key"`
	ForeignKey   *string  `json:"foreign_key"`
	NullFraction *float64 `json:"null_fraction"`
	Distinct     *float64 `json:"n_distinct"`
}

// Column returns the column called name.
func (t *TableStats) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ForeignKey returns the single column foreign key whose local column is name.
func (t *TableStats) ForeignKey(column string) (ForeignKey, bool) {
	for _, fk := range t.ForeignKeys {
		if fk.Column == column {
			return fk, true
		}
	}
	return ForeignKey{}, false
}

// IsUniqueKey reports whether cols, in any order, is exactly one of the table's unique
// column sets.
func (t *TableStats) IsUniqueKey(cols []string) bool {
	want := slices.Clone(cols)
	slices.Sort(want)
	want = slices.Compact(want)
	if len(want) != len(cols) {
		return false
	}
	for _, key := range t.UniqueKeys {
		have := slices.Clone(key)
		slices.Sort(have)
		if slices.Equal(want, have) {
			return true
		}
	}
	return false
}

// ColumnStats returns per column type, nullability and pg_stats figures in ordinal order.
func (t *TableStats) ColumnStats() []ColumnStat {
	stats := make([]ColumnStat, 0, len(t.Columns))
	for _, c := range t.Columns {
		s := ColumnStat{
			Column:       c.Name,
			Type:         c.DataType,
			Nullable:     c.Nullable,
			HasDefault:   c.HasDefault,
			PrimaryKey:   slices.Contains(t.PrimaryKey, c.Name),
			NullFraction: c.NullFraction,
			Distinct:     c.Distinct,
		}
		if fk, ok := t.ForeignKey(c.Name); ok {
			ref := fk.ReferencedTable + "." + fk.ReferencedColumn
			s.ForeignKey = &ref
		}
		stats = append(stats, s)
	}
	return stats
}
