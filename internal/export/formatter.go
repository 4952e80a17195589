// Package export writes result sets to portable files (CSV, JSON, Parquet)
// and runs bulk exports of the analytics datasets.
package export

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"analytics/internal/etl"
)

// ErrUnsupportedEncoding is returned before any I/O when the requested
// encoding is not one of csv, json or parquet.
var ErrUnsupportedEncoding = errors.New("unsupported encoding")

// Encoding is an output file format.
type Encoding string

const (
	CSV     Encoding = "csv"
	JSON    Encoding = "json"
	Parquet Encoding = "parquet"
)

// Encodings lists the supported encodings.
var Encodings = []Encoding{CSV, JSON, Parquet}

// ParseEncoding validates a format name.
func ParseEncoding(name string) (Encoding, error) {
	enc := Encoding(strings.ToLower(strings.TrimSpace(name)))
	if !enc.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedEncoding, name)
	}
	return enc, nil
}

// Valid reports whether enc is supported.
func (enc Encoding) Valid() bool {
	switch enc {
	case CSV, JSON, Parquet:
		return true
	}
	return false
}

// Ext is the file extension, without the dot.
func (enc Encoding) Ext() string { return string(enc) }

// ContentType is the media type used when uploading artifacts.
func (enc Encoding) ContentType() string {
	switch enc {
	case CSV:
		return "text/csv"
	case JSON:
		return "application/json"
	default:
		return "application/vnd.apache.parquet"
	}
}

// TimestampLayout is embedded in every artifact file name.
const TimestampLayout = "20060102_150405"

// Artifact is one file produced by an export. Artifacts are write-once.
type Artifact struct {
	Path     string    `json:"path"`
	Encoding Encoding  `json:"encoding"`
	Dataset  string    `json:"dataset"`
	Rows     int       `json:"rows"`
	Bytes    int64     `json:"bytes"`
	Created  time.Time `json:"created"`
	URL      string    `json:"url,omitempty"` // set when the artifact was uploaded
}

// ── Formatter ──────────────────────────────────────────────

// Formatter serializes result sets into timestamped files.
type Formatter struct {
	now func() time.Time
}

// NewFormatter creates a Formatter. A nil clock uses time.Now.
func NewFormatter(clock func() time.Time) *Formatter {
	if clock == nil {
		clock = time.Now
	}
	return &Formatter{now: clock}
}

// Export writes rs to {dir}/{baseName}_{YYYYMMDD_HHMMSS}.{ext}. Nested
// objects are flattened into dotted column names first. The directory is
// created when absent.
func (f *Formatter) Export(rs *etl.ResultSet, baseName string, enc Encoding, dir string) (Artifact, error) {
	if !enc.Valid() {
		return Artifact{}, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, enc)
	}
	if rs == nil {
		rs = etl.NewResultSet(nil, nil)
	}
	return f.write(etl.Flatten(rs, etl.DefaultSeparator), baseName, enc, dir, f.now())
}

// ExportNested splits the named sub-collections out of rs and writes each
// one as a sibling artifact {baseName}_{sub}_{ts}.{ext}. The remaining
// fields form the parent artifact {baseName}_{ts}.{ext}, which is skipped
// when no fields remain. Sub-collections absent from the data produce no
// artifact. All artifacts of one call share the same timestamp.
func (f *Formatter) ExportNested(rs *etl.ResultSet, baseName string, enc Encoding, dir string, subs ...string) ([]Artifact, error) {
	if !enc.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, enc)
	}
	if rs == nil {
		rs = etl.NewResultSet(nil, nil)
	}
	parent, children, err := etl.SplitNested(etl.ExpandObjectColumn(rs), subs)
	if err != nil {
		return nil, err
	}

	ts := f.now()
	var out []Artifact
	if len(parent.Columns) > 0 {
		a, err := f.write(parent, baseName, enc, dir, ts)
		if err != nil {
			return out, err
		}
		out = append(out, a)
	}
	for _, sub := range subs {
		child, ok := children[sub]
		if !ok {
			continue
		}
		a, err := f.write(child, baseName+"_"+sub, enc, dir, ts)
		if err != nil {
			return out, err
		}
		out = append(out, a)
	}
	return out, nil
}

// FileName renders the artifact file name for baseName at ts.
func FileName(baseName string, enc Encoding, ts time.Time) string {
	return fmt.Sprintf("%s_%s.%s", baseName, ts.Format(TimestampLayout), enc.Ext())
}

func (f *Formatter) write(rs *etl.ResultSet, baseName string, enc Encoding, dir string, ts time.Time) (Artifact, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Artifact{}, fmt.Errorf("create export directory: %w", err)
	}
	path := filepath.Join(dir, FileName(baseName, enc, ts))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return Artifact{}, fmt.Errorf("create %s: %w", path, err)
	}
	cw := &countingWriter{w: file}
	werr := encode(cw, rs, enc)
	cerr := file.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(path)
		return Artifact{}, fmt.Errorf("write %s: %w", path, werr)
	}

	return Artifact{
		Path:     path,
		Encoding: enc,
		Dataset:  baseName,
		Rows:     rs.Len(),
		Bytes:    cw.n,
		Created:  ts,
	}, nil
}

func encode(w io.Writer, rs *etl.ResultSet, enc Encoding) error {
	switch enc {
	case CSV:
		return writeCSV(w, rs)
	case JSON:
		return writeJSON(w, rs)
	case Parquet:
		return writeParquet(w, rs)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedEncoding, enc)
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
