package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/edgeflare/pgrest/pkg/errs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

const (
	timestampLayout = "2006-01-02T15:04:05.999999"
	dateLayout      = "2006-01-02"
	timeLayout      = "15:04:05.999999"
)

// timestamp inputs accepted for columns without a time zone
var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	dateLayout,
}

// timestamp inputs accepted for timestamptz columns
var timestampTZLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
}

// ToParam converts a JSON value (as produced by a json.Decoder with UseNumber) into a
// parameter pgx can bind for a column of type t. JSON null binds SQL NULL for every type.
func ToParam(column string, v any, t Type) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch t.Kind {
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, mismatch(column, t, v)
		}
		return b, nil

	case KindInt:
		n, ok := integer(v)
		if !ok {
			return nil, mismatch(column, t, v)
		}
		return narrowInt(column, n, t)

	case KindFloat:
		switch n := v.(type) {
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return nil, mismatch(column, t, v)
			}
			return f, nil
		case float64:
			return n, nil
		}
		return nil, mismatch(column, t, v)

	case KindDecimal:
		var s string
		switch n := v.(type) {
		case json.Number:
			s = n.String()
		case float64:
			s = strconv.FormatFloat(n, 'f', -1, 64)
		case string:
			s = strings.TrimSpace(n)
		default:
			return nil, mismatch(column, t, v)
		}
		return numeric(column, s, t)

	case KindText:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch(column, t, v)
		}
		return s, nil

	case KindUUID:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch(column, t, v)
		}
		u, err := uuid.Parse(s)
		if err != nil {
			return nil, mismatchValue(column, t, s)
		}
		return pgtype.UUID{Bytes: u, Valid: true}, nil

	case KindMACAddr:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch(column, t, v)
		}
		mac, err := net.ParseMAC(s)
		if err != nil || len(mac) != 6 {
			return nil, mismatchValue(column, t, s)
		}
		return mac, nil

	case KindTimestamp:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch(column, t, v)
		}
		ts, err := parseTime(s, timestampLayouts, time.UTC)
		if err != nil {
			// an explicit offset is accepted and normalised to UTC wall clock
			if ts, err = parseTime(s, timestampTZLayouts, time.UTC); err != nil {
				return nil, mismatchValue(column, t, s)
			}
			ts = ts.UTC()
		}
		return ts, nil

	case KindTimestampTZ:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch(column, t, v)
		}
		ts, err := parseTime(s, timestampTZLayouts, time.UTC)
		if err != nil {
			return nil, mismatchValue(column, t, s)
		}
		return ts, nil

	case KindDate:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch(column, t, v)
		}
		d, err := time.ParseInLocation(dateLayout, s, time.UTC)
		if err != nil {
			return nil, mismatchValue(column, t, s)
		}
		return d, nil

	case KindTime:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch(column, t, v)
		}
		tm, err := time.ParseInLocation(timeLayout, s, time.UTC)
		if err != nil {
			return nil, mismatchValue(column, t, s)
		}
		midnight := time.Date(tm.Year(), tm.Month(), tm.Day(), 0, 0, 0, 0, time.UTC)
		return pgtype.Time{Microseconds: tm.Sub(midnight).Microseconds(), Valid: true}, nil

	case KindJSON, KindJSONB:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, mismatch(column, t, v)
		}
		return json.RawMessage(raw), nil

	case KindBytea:
		s, ok := v.(string)
		if !ok {
			return nil, mismatch(column, t, v)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, mismatchValue(column, t, s)
		}
		return b, nil

	case KindHstore:
		switch m := v.(type) {
		case map[string]any:
			h := make(pgtype.Hstore, len(m))
			for key, val := range m {
				switch val := val.(type) {
				case nil:
					h[key] = nil
				case string:
					h[key] = &val
				default:
					return nil, &errs.TypeMismatchError{Column: column, Expected: "hstore values as strings or null", Got: JSONKind(val)}
				}
			}
			return h, nil
		case string:
			// hstore text form, e.g. `"a"=>"1", "b"=>NULL`
			var h pgtype.Hstore
			if err := h.Scan(m); err != nil {
				return nil, mismatchValue(column, t, m)
			}
			return h, nil
		}
		return nil, mismatch(column, t, v)

	case KindArray:
		items, ok := v.([]any)
		if !ok || t.Elem == nil {
			return nil, mismatch(column, t, v)
		}
		out := make([]any, len(items))
		for i, item := range items {
			p, err := ToParam(column, item, *t.Elem)
			if err != nil {
				return nil, err
			}
			out[i] = p
		}
		return out, nil
	}

	return nil, &errs.TypeMismatchError{Column: column, Expected: "a supported type", Got: t.String()}
}

// ParseLiteral converts a string literal taken from a WHERE clause into a parameter for
// a column of type t. Postgres treats such literals as untyped, so numbers, booleans and
// JSON documents are parsed from their text form.
func ParseLiteral(column, s string, t Type) (any, error) {
	switch t.Kind {
	case KindBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, mismatchValue(column, t, s)
		}
		return b, nil
	case KindInt:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, mismatchValue(column, t, s)
		}
		return narrowInt(column, n, t)
	case KindFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, mismatchValue(column, t, s)
		}
		return f, nil
	case KindJSON, KindJSONB:
		if !json.Valid([]byte(s)) {
			return nil, mismatchValue(column, t, s)
		}
		return json.RawMessage(s), nil
	case KindArray:
		return nil, mismatch(column, t, s)
	}
	return ToParam(column, s, t)
}

// FromValue converts a value returned by pgx.Rows.Values into a JSON ready value.
func FromValue(v any, t Type) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch t.Kind {
	case KindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}

	case KindInt:
		switch n := v.(type) {
		case int16:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case uint32:
			return int64(n), nil
		case int:
			return int64(n), nil
		}

	case KindFloat:
		var f float64
		bits := 64
		switch n := v.(type) {
		case float32:
			f, bits = float64(n), 32
		case float64:
			f = n
		default:
			return nil, unexpected(v, t)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			// not representable as a JSON number
			return strconv.FormatFloat(f, 'f', -1, 64), nil
		}
		if bits == 32 {
			// shortest decimal that round-trips through float4
			return json.Number(strconv.FormatFloat(f, 'g', -1, 32)), nil
		}
		return f, nil

	case KindDecimal:
		switch n := v.(type) {
		case pgtype.Numeric:
			return numericJSON(n), nil
		case string:
			return json.Number(n), nil
		case float64:
			return n, nil
		}

	case KindText:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		}

	case KindUUID:
		switch u := v.(type) {
		case [16]byte:
			return uuid.UUID(u).String(), nil
		case pgtype.UUID:
			return uuid.UUID(u.Bytes).String(), nil
		case string:
			return u, nil
		}

	case KindMACAddr:
		switch m := v.(type) {
		case net.HardwareAddr:
			return m.String(), nil
		case string:
			return m, nil
		}

	case KindTimestamp, KindTimestampTZ, KindDate:
		switch ts := v.(type) {
		case time.Time:
			return formatTime(ts, t.Kind), nil
		case pgtype.InfinityModifier:
			return ts.String(), nil
		}

	case KindTime:
		if tm, ok := v.(pgtype.Time); ok {
			us := time.Duration(tm.Microseconds) * time.Microsecond
			return time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC).Add(us).Format(timeLayout), nil
		}

	case KindJSON, KindJSONB:
		switch raw := v.(type) {
		case []byte:
			return json.RawMessage(raw), nil
		case json.RawMessage:
			return raw, nil
		}
		return v, nil

	case KindBytea:
		if b, ok := v.([]byte); ok {
			return base64.StdEncoding.EncodeToString(b), nil
		}

	case KindHstore:
		switch h := v.(type) {
		case pgtype.Hstore:
			return map[string]*string(h), nil
		case map[string]*string:
			return h, nil
		case string:
			// the extension type has no registered codec and arrives in text form
			var parsed pgtype.Hstore
			if err := parsed.Scan(h); err != nil {
				return nil, err
			}
			return map[string]*string(parsed), nil
		}

	case KindArray:
		items, ok := v.([]any)
		if !ok || t.Elem == nil {
			return nil, unexpected(v, t)
		}
		out := make([]any, len(items))
		for i, item := range items {
			val, err := FromValue(item, *t.Elem)
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil

	case KindUnsupported:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		}
		return fmt.Sprint(v), nil
	}

	return nil, unexpected(v, t)
}

func integer(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		if n != math.Trunc(n) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

func narrowInt(column string, n int64, t Type) (any, error) {
	switch t.Width {
	case 2:
		if n < math.MinInt16 || n > math.MaxInt16 {
			return nil, mismatchValue(column, t, strconv.FormatInt(n, 10))
		}
		return int16(n), nil
	case 4:
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, mismatchValue(column, t, strconv.FormatInt(n, 10))
		}
		return int32(n), nil
	}
	return n, nil
}

func numeric(column, s string, t Type) (any, error) {
	if strings.EqualFold(s, "nan") {
		return pgtype.Numeric{NaN: true, Valid: true}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, mismatchValue(column, t, s)
	}
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}, nil
}

// numericJSON keeps the scale of the stored value ("12.50" stays "12.50").
func numericJSON(n pgtype.Numeric) any {
	switch {
	case !n.Valid:
		return nil
	case n.NaN:
		return "NaN"
	case n.InfinityModifier == pgtype.Infinity:
		return "Infinity"
	case n.InfinityModifier == pgtype.NegativeInfinity:
		return "-Infinity"
	case n.Int == nil:
		return json.Number("0")
	}
	d := decimal.NewFromBigInt(n.Int, n.Exp)
	if n.Exp < 0 {
		return json.Number(d.StringFixed(-n.Exp))
	}
	return json.Number(d.String())
}

func parseTime(s string, layouts []string, loc *time.Location) (time.Time, error) {
	var err error
	for _, layout := range layouts {
		var ts time.Time
		if ts, err = time.ParseInLocation(layout, s, loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, err
}

func formatTime(ts time.Time, kind Kind) string {
	switch kind {
	case KindDate:
		return ts.Format(dateLayout)
	case KindTimestamp:
		return ts.Format(timestampLayout)
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

// JSONKind names the JSON type of v for error messages.
func JSONKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case json.Number, float64, int, int64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

func mismatch(column string, t Type, v any) error {
	return &errs.TypeMismatchError{Column: column, Expected: t.String(), Got: JSONKind(v)}
}

func mismatchValue(column string, t Type, s string) error {
	return &errs.TypeMismatchError{Column: column, Expected: t.String(), Got: strconv.Quote(s)}
}

func unexpected(v any, t Type) error {
	return fmt.Errorf("codec: cannot decode %T as %s", v, t)
}
