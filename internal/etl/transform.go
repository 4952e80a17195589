package etl

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ── Flattening ─────────────────────────────────────────────
// Nested JSON values coming out of JSON-typed columns are normalized before
// they reach a flat encoding: nested objects become dotted columns and named
// sub-collections are split off into their own result sets.

// DefaultSeparator joins nested keys when flattening.
const DefaultSeparator = "."

// FlattenRecord returns a copy of r where nested objects are expanded into
// "parent.child" keys. Arrays are kept as values.
func FlattenRecord(r Record, sep string) Record {
	out := make(Record, len(r))
	for k, v := range r {
		flattenInto(out, k, v, sep)
	}
	return out
}

func flattenInto(out Record, prefix string, v any, sep string) {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		out[prefix] = v
		return
	}
	for k, nested := range m {
		flattenInto(out, prefix+sep+k, nested, sep)
	}
}

// Flatten expands nested objects in every record and recomputes the column
// order: a nested column is replaced in place by its expanded keys. When
// some records hold a non-object value in that column (text, a number, an
// array) the original column stays, ahead of the expanded keys.
func Flatten(rs *ResultSet, sep string) *ResultSet {
	if sep == "" {
		sep = DefaultSeparator
	}
	records := make([]Record, len(rs.Records))
	for i, rec := range rs.Records {
		records[i] = FlattenRecord(rec, sep)
	}

	var cols []string
	seen := make(map[string]bool)
	add := func(c string) {
		if !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	for _, col := range rs.Columns {
		expanded := expandedKeys(col, records, sep)
		if len(expanded) == 0 || holdsValue(col, records) {
			add(col)
		}
		for _, c := range expanded {
			add(c)
		}
	}
	return NewResultSet(cols, records)
}

// expandedKeys returns the flattened keys derived from col, sorted.
func expandedKeys(col string, records []Record, sep string) []string {
	prefix := col + sep
	set := make(map[string]bool)
	for _, rec := range records {
		for k := range rec {
			if len(k) > len(prefix) && k[:len(prefix)] == prefix {
				set[k] = true
			}
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// holdsValue reports whether any flattened record still has a non-nil
// value under col itself.
func holdsValue(col string, records []Record) bool {
	for _, rec := range records {
		if v, ok := rec[col]; ok && v != nil {
			return true
		}
	}
	return false
}

// ExpandObjectColumn unwraps a result set whose only column holds a JSON
// object per row, as returned by a procedure with a scalar json result.
// The object's keys become the columns. Other result sets are returned
// unchanged.
func ExpandObjectColumn(rs *ResultSet) *ResultSet {
	if len(rs.Columns) != 1 || rs.Empty() {
		return rs
	}
	col := rs.Columns[0]
	items := make([]any, 0, rs.Len())
	for _, rec := range rs.Records {
		m, ok := rec[col].(map[string]any)
		if !ok {
			return rs
		}
		items = append(items, m)
	}
	out, err := FromObjects(items)
	if err != nil {
		return rs
	}
	return out
}

// SplitNested removes the named sub-collection columns from rs and returns
// them as separate result sets, one per name. Each record's sub-collection
// contributes its entries (an array of objects, or a single object) in
// order. Names that are absent from every record produce no child. The
// parent keeps the remaining columns with nested objects flattened.
func SplitNested(rs *ResultSet, subs []string) (*ResultSet, map[string]*ResultSet, error) {
	isSub := make(map[string]bool, len(subs))
	for _, s := range subs {
		isSub[s] = true
	}

	children := make(map[string]*ResultSet)
	for _, name := range subs {
		var items []any
		present := false
		for _, rec := range rs.Records {
			v, ok := rec[name]
			if !ok || v == nil {
				continue
			}
			present = true
			entries, err := asEntries(v)
			if err != nil {
				return nil, nil, fmt.Errorf("sub-collection %s: %w", name, err)
			}
			items = append(items, entries...)
		}
		if !present {
			continue
		}
		child, err := FromObjects(items)
		if err != nil {
			return nil, nil, fmt.Errorf("sub-collection %s: %w", name, err)
		}
		children[name] = Flatten(child, DefaultSeparator)
	}

	parentCols := make([]string, 0, len(rs.Columns))
	for _, c := range rs.Columns {
		if !isSub[c] {
			parentCols = append(parentCols, c)
		}
	}
	parentRecs := make([]Record, len(rs.Records))
	for i, rec := range rs.Records {
		p := make(Record, len(parentCols))
		for _, c := range parentCols {
			if v, ok := rec[c]; ok {
				p[c] = v
			}
		}
		parentRecs[i] = p
	}
	return Flatten(NewResultSet(parentCols, parentRecs), DefaultSeparator), children, nil
}

func asEntries(v any) ([]any, error) {
	switch t := v.(type) {
	case []any:
		return t, nil
	case map[string]any:
		return []any{t}, nil
	case string:
		var decoded any
		if err := json.Unmarshal([]byte(t), &decoded); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
		return asEntries(decoded)
	case []byte:
		return asEntries(string(t))
	default:
		return nil, fmt.Errorf("expected array or object, got %T", v)
	}
}

// FromObjects builds a result set from decoded JSON objects. Columns are
// the union of keys in first-seen order; keys within one object are
// visited in sorted order since JSON objects carry no order.
func FromObjects(items []any) (*ResultSet, error) {
	var cols []string
	seen := make(map[string]bool)
	records := make([]Record, 0, len(items))
	for i, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("entry %d: expected object, got %T", i, it)
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
		records = append(records, Record(m))
	}
	return NewResultSet(cols, records), nil
}
