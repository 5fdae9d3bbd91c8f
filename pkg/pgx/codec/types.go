// Package codec converts between JSON values and PostgreSQL column values.
//
// Column types are modelled by the closed Type variant. Every Kind has exactly one arm in
// ToParam (JSON value -> bound parameter), ParseLiteral (WHERE clause literal -> bound
// parameter) and FromValue (pgx row value -> JSON value). Adding a type means adding a
// Kind and those arms.
package codec

import "strings"

// Kind is the tag of the Type variant.
type Kind uint8

const (
	KindUnsupported Kind = iota
	KindBool
	KindInt
	KindFloat
	KindDecimal
	KindText
	KindUUID
	KindMACAddr
	KindTimestamp
	KindTimestampTZ
	KindDate
	KindTime
	KindJSON
	KindJSONB
	KindBytea
	KindArray
	KindHstore
)

var kindNames = map[Kind]string{
	KindUnsupported: "unsupported",
	KindBool:        "boolean",
	KindInt:         "integer",
	KindFloat:       "double precision",
	KindDecimal:     "numeric",
	KindText:        "text",
	KindUUID:        "uuid",
	KindMACAddr:     "macaddr",
	KindTimestamp:   "timestamp without time zone",
	KindTimestampTZ: "timestamp with time zone",
	KindDate:        "date",
	KindTime:        "time without time zone",
	KindJSON:        "json",
	KindJSONB:       "jsonb",
	KindBytea:       "bytea",
	KindArray:       "array",
	KindHstore:      "hstore",
}

func (k Kind) String() string { return kindNames[k] }

// Type describes a column type. Width is the storage size in bytes for KindInt and
// KindFloat; Elem is set for KindArray only. Name keeps the catalog spelling
// (e.g. "int4", "citext") for messages.
type Type struct {
	Kind  Kind
	Width int
	Elem  *Type
	Name  string
}

func (t Type) String() string {
	if t.Kind == KindArray && t.Elem != nil {
		return t.Elem.String() + "[]"
	}
	if t.Name != "" {
		return t.Name
	}
	return t.Kind.String()
}

// Textual reports whether LIKE/ILIKE may be applied to a column of this type.
func (t Type) Textual() bool {
	return t.Kind == KindText
}

// Array returns the array type whose elements are t.
func Array(elem Type) Type {
	return Type{Kind: KindArray, Elem: &elem, Name: "_" + elem.Name}
}

// ParseType maps information_schema.columns (data_type, udt_name) onto a Type. Arrays
// report data_type "ARRAY" and an udt_name prefixed with an underscore. Types the codec
// does not know, bit and varbit included, come back as KindUnsupported; user defined
// types other than the known extensions (enums, domains) are treated as text since pgx
// exchanges them in text format.
func ParseType(dataType, udtName string) Type {
	udt := strings.ToLower(udtName)
	if strings.EqualFold(dataType, "ARRAY") || strings.HasPrefix(udt, "_") {
		return Array(ParseType("", strings.TrimPrefix(udt, "_")))
	}

	switch udt {
	case "bool":
		return Type{Kind: KindBool, Name: udt}
	case "int2":
		return Type{Kind: KindInt, Width: 2, Name: udt}
	case "int4":
		return Type{Kind: KindInt, Width: 4, Name: udt}
	case "int8", "oid":
		return Type{Kind: KindInt, Width: 8, Name: udt}
	case "float4":
		return Type{Kind: KindFloat, Width: 4, Name: udt}
	case "float8":
		return Type{Kind: KindFloat, Width: 8, Name: udt}
	case "numeric":
		return Type{Kind: KindDecimal, Name: udt}
	case "text", "varchar", "bpchar", "name", "citext":
		return Type{Kind: KindText, Name: udt}
	case "uuid":
		return Type{Kind: KindUUID, Name: udt}
	case "macaddr":
		return Type{Kind: KindMACAddr, Name: udt}
	case "timestamp":
		return Type{Kind: KindTimestamp, Name: udt}
	case "timestamptz":
		return Type{Kind: KindTimestampTZ, Name: udt}
	case "date":
		return Type{Kind: KindDate, Name: udt}
	case "time":
		return Type{Kind: KindTime, Name: udt}
	case "json":
		return Type{Kind: KindJSON, Name: udt}
	case "jsonb":
		return Type{Kind: KindJSONB, Name: udt}
	case "bytea":
		return Type{Kind: KindBytea, Name: udt}
	case "hstore":
		return Type{Kind: KindHstore, Name: udt}
	case "bit", "varbit", "macaddr8":
		return Type{Kind: KindUnsupported, Name: udt}
	}

	if strings.EqualFold(dataType, "USER-DEFINED") {
		return Type{Kind: KindText, Name: udt}
	}
	return Type{Kind: KindUnsupported, Name: udt}
}
