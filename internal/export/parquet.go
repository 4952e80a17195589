package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	writerfile "github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"analytics/internal/etl"
)

// parquetColumn maps a result-set column to a parquet field.
type parquetColumn struct {
	source string // column name in the result set
	name   string // sanitized parquet field name
	typ    string // BOOLEAN | INT64 | DOUBLE | BYTE_ARRAY
}

// writeParquet writes rs as a single Snappy-compressed parquet file with
// one optional field per column. There is no index column.
func writeParquet(w io.Writer, rs *etl.ResultSet) error {
	if len(rs.Columns) == 0 {
		return errors.New("parquet export needs at least one column")
	}
	cols := parquetColumns(etl.InferSchema(rs))

	pfw := writerfile.NewWriterFile(w)
	pw, err := writer.NewJSONWriter(parquetSchema(cols), pfw, 4)
	if err != nil {
		return fmt.Errorf("parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range rs.Records {
		row, err := parquetRow(rec, cols)
		if err != nil {
			_ = pw.WriteStop()
			return err
		}
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			return fmt.Errorf("parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("parquet finalize: %w", err)
	}
	return pfw.Close()
}

func parquetColumns(schema *etl.Schema) []parquetColumn {
	cols := make([]parquetColumn, 0, len(schema.Fields))
	used := make(map[string]int)
	for _, f := range schema.Fields {
		name := sanitizeFieldName(f.Name)
		used[name]++
		if n := used[name]; n > 1 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		cols = append(cols, parquetColumn{source: f.Name, name: name, typ: parquetPhysicalType(f.Type)})
	}
	return cols
}

func parquetSchema(cols []parquetColumn) string {
	fields := make([]map[string]string, 0, len(cols))
	for _, c := range cols {
		tag := fmt.Sprintf("name=%s, type=%s, repetitiontype=OPTIONAL", c.name, c.typ)
		if c.typ == "BYTE_ARRAY" {
			tag = fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", c.name)
		}
		fields = append(fields, map[string]string{"Tag": tag})
	}
	out := map[string]any{
		"Tag":    "name=parquet_go_root, repetitiontype=REQUIRED",
		"Fields": fields,
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func parquetPhysicalType(fieldType string) string {
	switch fieldType {
	case etl.TypeBoolean:
		return "BOOLEAN"
	case etl.TypeInteger:
		return "INT64"
	case etl.TypeNumber:
		return "DOUBLE"
	default:
		return "BYTE_ARRAY"
	}
}

// parquetRow renders one record as the JSON document the writer expects.
func parquetRow(rec etl.Record, cols []parquetColumn) (string, error) {
	row := make(map[string]any, len(cols))
	for _, c := range cols {
		v := rec[c.source]
		if v == nil {
			row[c.name] = nil
			continue
		}
		switch c.typ {
		case "BOOLEAN":
			row[c.name] = v
		case "INT64":
			if n, ok := v.(int64); ok {
				row[c.name] = n
				continue
			}
			n, _ := etl.Number(v)
			row[c.name] = int64(n)
		case "DOUBLE":
			n, _ := etl.Number(v)
			if math.IsNaN(n) || math.IsInf(n, 0) {
				row[c.name] = nil
				continue
			}
			row[c.name] = n
		default:
			row[c.name] = textValue(v)
		}
	}
	b, err := json.Marshal(row)
	if err != nil {
		return "", fmt.Errorf("parquet row: %w", err)
	}
	return string(b), nil
}

// sanitizeFieldName lowercases name and replaces everything outside
// [a-z0-9_] with '_'. Dotted names from flattening become a_b.
func sanitizeFieldName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	s := b.String()
	if s == "" {
		return "column"
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "c_" + s
	}
	return s
}
