package codec

import "github.com/lsst/qserv-sub010/pkg/workererr"

// Filler drains a RowSource into caller-supplied buffers, switching
// between a row-at-a-time path and a column-at-a-time path the way
// ResRowBuffer::fetch does in the source. It is modeled as a small sum
// type (see SPEC_FULL.md Part D.5 / spec §9 design notes: "codec
// polymorphism ... is modeled cleanly as a sum type with a fill(buf, len)
// operation") rather than an open class hierarchy: largeRowActive
// selects which of the two internal fill strategies runs.
type Filler struct {
	cfg  Config
	rows RowSource

	// pending holds a row already pulled from rows but not yet written
	// because it didn't fit in a previous Fill call's buffer.
	pending *Row

	// large-row state: set when a row's minRowSize() exceeds
	// cfg.LargeRowThreshold. The column-at-a-time path resumes from
	// fieldOffset on successive Fill calls until the row is exhausted.
	largeRowActive bool
	largeRow       Row
	fieldOffset    int
}

// NewFiller constructs a Filler over rows using cfg.
func NewFiller(cfg Config, rows RowSource) *Filler {
	return &Filler{cfg: cfg, rows: rows}
}

// Fill writes as many complete rows (or, once triggered, row fragments)
// as fit into buf, returning the number of bytes written and whether more
// data remains to be drained (either more source rows, or a row/column
// still in flight). It returns workererr.ErrBufferTooSmall if a single
// column's worst-case footprint cannot fit into a buffer of buf's
// capacity at all -- the caller must enlarge its stream buffer and retry
// (spec §4.1).
func (f *Filler) Fill(buf []byte) (n int, more bool, err error) {
	if len(buf) == 0 {
		return 0, false, workererr.ErrBufferTooSmall
	}
	if f.largeRowActive {
		return f.fillFromLargeRow(buf)
	}
	for {
		remaining := len(buf) - n
		var row Row
		if f.pending != nil {
			row = *f.pending
			f.pending = nil
		} else {
			var ok bool
			row, ok = f.rows.Next()
			if !ok {
				return n, false, nil
			}
		}
		rowSize := row.minRowSize()
		if rowSize > f.cfg.LargeRowThreshold {
			f.largeRowActive = true
			f.largeRow = row
			f.fieldOffset = 0
			if n > 0 {
				// Start the large row on the next Fill call, with the
				// whole buffer available to it.
				return n, true, nil
			}
			wrote, moreAfter, ferr := f.fillFromLargeRow(buf)
			return n + wrote, moreAfter, ferr
		}
		need := preSizedCapacity(row, f.cfg) + len(f.cfg.RowSep)
		if need > remaining {
			if n == 0 && need > len(buf) {
				return n, false, workererr.ErrBufferTooSmall
			}
			// Doesn't fit in what's left this call; resume with this
			// row on the next Fill call.
			f.pending = &row
			return n, true, nil
		}
		encoded := EncodeRow(buf[n:n], row, f.cfg)
		n += len(encoded)
		n += copy(buf[n:], f.cfg.RowSep)
	}
}

// fillFromLargeRow implements the column-at-a-time path: it writes as
// many whole columns of f.largeRow as fit, resuming across Fill calls,
// and switches back to the row-at-a-time path once the row (and its
// trailing RowSep) is fully written. A single column whose worst-case
// footprint can't fit in an empty stream buffer is BufferTooSmall -- the
// source leaves this path "unfinished"; spec §9 Open Question (a)
// requires completing it, which this does.
func (f *Filler) fillFromLargeRow(buf []byte) (n int, more bool, err error) {
	cols := f.largeRow.Cols
	for f.fieldOffset < len(cols) {
		c := cols[f.fieldOffset]
		sepLen := 0
		if f.fieldOffset > 0 {
			sepLen = len(f.cfg.FieldSep)
		}
		// Gate on the worst-case expansion, not the exact encoded size: a
		// column must be refused if 2·len plus separator overhead can
		// never fit the buffer, even when its actual encoding would.
		if sepLen+c.footprint(f.cfg) > len(buf) {
			if n == 0 {
				return n, false, workererr.ErrBufferTooSmall
			}
			return n, true, nil
		}
		need := c.encodedLen(f.cfg)
		if sepLen+need > len(buf)-n {
			return n, true, nil
		}
		if sepLen > 0 {
			n += copy(buf[n:], f.cfg.FieldSep)
		}
		c.encodeInto(buf[n:n+need], f.cfg)
		n += need
		f.fieldOffset++
	}
	// Row fully written; append the row separator and return to the
	// row-at-a-time path.
	if len(buf)-n < len(f.cfg.RowSep) {
		return n, true, nil
	}
	n += copy(buf[n:], f.cfg.RowSep)
	f.largeRowActive = false
	f.largeRow = Row{}
	f.fieldOffset = 0
	// Upstream may or may not have more rows; report more and let the
	// next Fill call, which gets a whole buffer, settle it.
	return n, true, nil
}
