package query

import (
	"bytes"
	"encoding/json"
)

// Row is a result row whose JSON encoding keeps the requested column order.
type Row struct {
	Keys   []string
	Values []any
}

func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.Keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(r.Values[i])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// InsertResult is the outcome of a write: the returned rows when RETURNING was requested,
// the affected row count otherwise.
type InsertResult struct {
	NumRows int64
	Rows    []Row
}

func (r InsertResult) MarshalJSON() ([]byte, error) {
	if r.Rows != nil {
		return json.Marshal(r.Rows)
	}
	return json.Marshal(struct {
		NumRows int64 `json:"num_rows"`
	}{r.NumRows})
}
