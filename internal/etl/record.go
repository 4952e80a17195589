package etl

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ── Record ─────────────────────────────────────────────────
// Common in-memory data format.
// The executor materializes rows as Records, the stages read them and the
// exporter serializes them.

// Record is a single row keyed by column name. Values are scalars
// (string, int64, float64, bool, nil, time.Time) or, for JSON-typed
// columns, nested map[string]any / []any values.
type Record map[string]any

// String returns the value of key formatted as a string ("" for nil).
func (r Record) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Float returns the numeric value of key, or 0 if it is missing or not numeric.
func (r Record) Float(key string) float64 {
	f, _ := Number(r[key])
	return f
}

// Int returns the numeric value of key truncated to int64.
func (r Record) Int(key string) int64 {
	return int64(r.Float(key))
}

// ResultSet is a finite, ordered sequence of records sharing one column set.
// Columns fixes the column order; it is the order the database reported.
type ResultSet struct {
	Columns []string `json:"columns"`
	Records []Record `json:"records"`
}

// NewResultSet builds a ResultSet. A nil records slice becomes empty.
func NewResultSet(columns []string, records []Record) *ResultSet {
	if records == nil {
		records = []Record{}
	}
	return &ResultSet{Columns: columns, Records: records}
}

// Len returns the number of records.
func (rs *ResultSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.Records)
}

// Empty reports whether the result set holds no records.
func (rs *ResultSet) Empty() bool { return rs.Len() == 0 }

// First returns the first record, or nil.
func (rs *ResultSet) First() Record {
	if rs.Empty() {
		return nil
	}
	return rs.Records[0]
}

// Row returns the values of r in column order.
func (rs *ResultSet) Row(r Record) []any {
	out := make([]any, len(rs.Columns))
	for i, c := range rs.Columns {
		out[i] = r[c]
	}
	return out
}

// ── Schema ─────────────────────────────────────────────────

// Field types inferred from values.
const (
	TypeText     = "text"
	TypeInteger  = "integer"
	TypeNumber   = "number"
	TypeBoolean  = "boolean"
	TypeDatetime = "datetime"
	TypeJSON     = "json"
)

// Field describes a single column in a dataset.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Schema describes the shape of a result set.
type Schema struct {
	Fields []Field `json:"fields"`
}

// FieldNames returns an ordered list of field names.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// InferSchema derives a field type per column from the first non-nil value
// found in the records. Columns with only nil values are typed as text;
// columns whose values disagree (e.g. integer and number) are widened.
func InferSchema(rs *ResultSet) *Schema {
	schema := &Schema{Fields: make([]Field, 0, len(rs.Columns))}
	for _, col := range rs.Columns {
		typ := ""
		for _, rec := range rs.Records {
			v, ok := rec[col]
			if !ok || v == nil {
				continue
			}
			typ = widen(typ, valueType(v))
		}
		if typ == "" {
			typ = TypeText
		}
		schema.Fields = append(schema.Fields, Field{Name: col, Type: typ})
	}
	return schema
}

func widen(current, next string) string {
	switch {
	case current == "" || current == next:
		return next
	case (current == TypeInteger && next == TypeNumber) || (current == TypeNumber && next == TypeInteger):
		return TypeNumber
	default:
		return TypeText
	}
}

func valueType(v any) string {
	switch v.(type) {
	case bool:
		return TypeBoolean
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeInteger
	case float32, float64:
		return TypeNumber
	case time.Time:
		return TypeDatetime
	case map[string]any, []any:
		return TypeJSON
	default:
		return TypeText
	}
}

// Number converts numeric values (and numeric strings) to float64.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(string(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
