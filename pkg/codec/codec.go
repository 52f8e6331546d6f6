// Package codec implements the row codec (spec §4.1): it escapes and
// frames rows pulled from a result set into a newline/tab (or
// configurable-dialect) byte stream suitable for bulk-loading on the
// receiver. Grounded on original_source/core/modules/mysql/RowBuffer.cc
// (the escaping rules, pre-sizing formula, and the row-at-a-time vs.
// column-at-a-time split) and rproc/ProtoRowBuffer.h (the BLOB quoting
// mode).
package codec

import (
	"encoding/hex"
)

// DefaultLargeRowThreshold is 500 KiB (spec §4.1, §6). Must be less than
// half the stream buffer size the caller fills into.
const DefaultLargeRowThreshold = 500 * 1024

// Config holds the codec's dialect knobs. The zero value is not valid;
// use DefaultConfig.
type Config struct {
	// NullToken is emitted for a NULL column (default "\N").
	NullToken string
	// FieldSep separates columns within a row (default "\t").
	FieldSep string
	// RowSep separates rows (default "\n").
	RowSep string
	// LargeRowThreshold is the row-size cutoff above which the codec
	// switches from whole-row to column-at-a-time filling.
	LargeRowThreshold int
}

// DefaultConfig returns the codec's default MySQL LOAD DATA INFILE-style
// dialect.
func DefaultConfig() Config {
	return Config{
		NullToken:         `\N`,
		FieldSep:          "\t",
		RowSep:            "\n",
		LargeRowThreshold: DefaultLargeRowThreshold,
	}
}

// escapeTable maps a byte needing escaping to its single-character escape
// code (spec §4.1: NUL->0, backspace->b, newline->n, CR->r, tab->t,
// ASCII26->Z).
var escapeTable = map[byte]byte{
	0x00: '0',
	'\b': 'b',
	'\n': 'n',
	'\r': 'r',
	'\t': 't',
	0x1A: 'Z',
}

func needsEscape(b byte) bool {
	_, ok := escapeTable[b]
	return ok
}

// escapedLen returns the length of src after escaping, without allocating.
func escapedLen(src []byte) int {
	n := len(src)
	for _, b := range src {
		if needsEscape(b) {
			n++
		}
	}
	return n
}

// escapeInto writes the escaped form of src into dest (which must have at
// least escapedLen(src) bytes of room) and returns the number of bytes
// written.
func escapeInto(dest, src []byte) int {
	n := 0
	for _, b := range src {
		if code, ok := escapeTable[b]; ok {
			dest[n] = '\\'
			dest[n+1] = code
			n += 2
			continue
		}
		dest[n] = b
		n++
	}
	return n
}

// Escape returns the escaped form of s as a new byte slice. Provided for
// callers (and tests) that don't need the zero-allocation fast path.
func Escape(s []byte) []byte {
	out := make([]byte, escapedLen(s))
	escapeInto(out, s)
	return out
}

// Column is one field of a Row.
type Column struct {
	// Data holds the raw column bytes. Ignored if Null is true.
	Data []byte
	// Null marks this column as SQL NULL.
	Null bool
	// Blob selects the quoted UNHEX-decoding mode instead of the default
	// escaping mode; driven by a schema-derived BLOB-family flag
	// (spec §4.1).
	Blob bool
}

// Row is one result row: an ordered list of columns.
type Row struct {
	Cols []Column
}

// minRowSize is the unescaped size of the row's column data, mirroring
// the C++ Row::minRowSize() used to decide when to switch to the
// large-row path.
func (r Row) minRowSize() int {
	n := 0
	for _, c := range r.Cols {
		if !c.Null {
			n += len(c.Data)
		}
	}
	return n
}

// footprint returns the worst-case encoded size of a single column,
// matching maxColFootprint in the source: overhead for the NULL token or
// quoting, plus twice the raw length for escaping (or exactly 2x for hex).
func (c Column) footprint(cfg Config) int {
	if c.Null {
		return len(cfg.NullToken)
	}
	if c.Blob {
		return 2 + 2*len(c.Data) // quotes + hex digits
	}
	return 2 * len(c.Data) // worst case: every byte escapes to 2 bytes
}

func (c Column) encodedLen(cfg Config) int {
	if c.Null {
		return len(cfg.NullToken)
	}
	if c.Blob {
		return 2 + hex.EncodedLen(len(c.Data))
	}
	return escapedLen(c.Data)
}

func (c Column) encodeInto(dest []byte, cfg Config) int {
	if c.Null {
		return copy(dest, cfg.NullToken)
	}
	if c.Blob {
		dest[0] = '\''
		hex.Encode(dest[1:], c.Data)
		n := 1 + hex.EncodedLen(len(c.Data))
		dest[n] = '\''
		return n + 1
	}
	return escapeInto(dest, c.Data)
}

// Encode returns c's encoded form (NULL token, escaped bytes, or quoted
// hex for a BLOB-family column) as a standalone byte slice, for callers
// that need one column's wire-ready bytes without going through
// EncodeRow/Filler -- e.g. the task runner encoding each RowBundle column
// independently before handing it to the result channel (spec §4.1, "a
// second mode that quotes each field ... selected per-column by a
// schema-derived flag").
func (c Column) Encode(cfg Config) []byte {
	out := make([]byte, c.encodedLen(cfg))
	c.encodeInto(out, cfg)
	return out
}

// EncodeRowSize returns the exact encoded size of row (including
// inter-column separators, not including a trailing row separator).
func EncodeRowSize(row Row, cfg Config) int {
	n := 0
	for i, c := range row.Cols {
		if i > 0 {
			n += len(cfg.FieldSep)
		}
		n += c.encodedLen(cfg)
	}
	return n
}

// preSizedCapacity returns the codec's pre-sizing formula for a row:
// 2*rowLen + (nCols-1)*sepLen + 1, bounding reallocation the same way the
// source's allocRowSize does (spec §4.1).
func preSizedCapacity(row Row, cfg Config) int {
	nCols := len(row.Cols)
	sep := 0
	if nCols > 1 {
		sep = (nCols - 1) * len(cfg.FieldSep)
	}
	return 2*row.minRowSize() + sep + 1
}

// EncodeRow appends the encoded form of one row (columns joined by
// FieldSep, no trailing RowSep) to dst and returns the result. It uses
// the pre-sizing formula to bound reallocations the way the source does,
// then falls back to the exact size if a column happened to need more
// room than the worst case allows for (escaped data is always <= 2x, but
// NULL tokens are not counted by minRowSize, so a row with NULL columns
// can exceed the pre-sized capacity).
func EncodeRow(dst []byte, row Row, cfg Config) []byte {
	want := preSizedCapacity(row, cfg)
	if cap(dst)-len(dst) < want {
		grown := make([]byte, len(dst), len(dst)+want)
		copy(grown, dst)
		dst = grown
	}
	for i, c := range row.Cols {
		if i > 0 {
			dst = append(dst, cfg.FieldSep...)
		}
		n := len(dst)
		need := c.encodedLen(cfg)
		if cap(dst)-n < need {
			grown := make([]byte, n, n+need)
			copy(grown, dst)
			dst = grown
		}
		dst = dst[:n+need]
		c.encodeInto(dst[n:n+need], cfg)
	}
	return dst
}

// RowSource is pulled from by Filler to obtain successive rows, matching
// the decoupling the source has between ResRowBuffer and the MYSQL_RES
// cursor it wraps.
type RowSource interface {
	// Next advances to the next row, returning false when exhausted.
	Next() (Row, bool)
}

// SliceSource adapts a static []Row to RowSource, mainly for tests.
type SliceSource struct {
	rows []Row
	pos  int
}

func NewSliceSource(rows []Row) *SliceSource { return &SliceSource{rows: rows} }

func (s *SliceSource) Next() (Row, bool) {
	if s.pos >= len(s.rows) {
		return Row{}, false
	}
	r := s.rows[s.pos]
	s.pos++
	return r, true
}
