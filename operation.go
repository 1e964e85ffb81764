package servalsheets

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Range is a rectangular cell region in 1-based inclusive coordinates.
// A zero EndRow or EndCol means the range is open-ended in that dimension
// (whole column / whole row / whole sheet).
type Range struct {
	StartRow int `json:"start_row"`
	StartCol int `json:"start_col"`
	EndRow   int `json:"end_row"`
	EndCol   int `json:"end_col"`
}

// IsZero reports whether the range is unset, meaning the whole sheet.
func (r Range) IsZero() bool {
	return r.StartRow == 0 && r.StartCol == 0 && r.EndRow == 0 && r.EndCol == 0
}

// Overlaps reports whether two ranges share at least one cell. An unset
// range covers the whole sheet and overlaps everything.
func (r Range) Overlaps(other Range) bool {
	if r.IsZero() || other.IsZero() {
		return true
	}
	if !spanOverlaps(r.StartRow, r.EndRow, other.StartRow, other.EndRow) {
		return false
	}
	return spanOverlaps(r.StartCol, r.EndCol, other.StartCol, other.EndCol)
}

// spanOverlaps compares 1-based inclusive spans where end==0 is unbounded.
func spanOverlaps(aStart, aEnd, bStart, bEnd int) bool {
	if aEnd != 0 && bStart > aEnd {
		return false
	}
	if bEnd != 0 && aStart > bEnd {
		return false
	}
	return true
}

// String renders the range in A1 notation.
func (r Range) String() string {
	if r.IsZero() {
		return ""
	}
	var b strings.Builder
	b.WriteString(colName(r.StartCol))
	if r.StartRow > 0 {
		b.WriteString(strconv.Itoa(r.StartRow))
	}
	b.WriteByte(':')
	b.WriteString(colName(r.EndCol))
	if r.EndRow > 0 {
		b.WriteString(strconv.Itoa(r.EndRow))
	}
	return b.String()
}

// ParseRange parses A1 notation such as "A1:B10", "A:C" or "B2".
func ParseRange(a1 string) (Range, error) {
	a1 = strings.TrimSpace(a1)
	if a1 == "" {
		return Range{}, nil
	}
	start, end, ok := strings.Cut(a1, ":")
	if !ok {
		end = start
	}
	sr, sc, err := parseCellRef(start)
	if err != nil {
		return Range{}, fmt.Errorf("invalid range %q: %w", a1, err)
	}
	er, ec, err := parseCellRef(end)
	if err != nil {
		return Range{}, fmt.Errorf("invalid range %q: %w", a1, err)
	}
	r := Range{StartRow: sr, StartCol: sc, EndRow: er, EndCol: ec}
	if er != 0 && sr != 0 && er < sr {
		return Range{}, fmt.Errorf("invalid range %q: end row before start row", a1)
	}
	if ec != 0 && sc != 0 && ec < sc {
		return Range{}, fmt.Errorf("invalid range %q: end column before start column", a1)
	}
	return r, nil
}

// parseCellRef parses "B12" into (12, 2). Missing row or column parts
// parse as 0 (unbounded), so "C" is a whole-column reference.
func parseCellRef(ref string) (row, col int, err error) {
	i := 0
	for i < len(ref) && ref[i] >= 'A' && ref[i] <= 'Z' {
		col = col*26 + int(ref[i]-'A') + 1
		i++
	}
	if i < len(ref) {
		row, err = strconv.Atoi(ref[i:])
		if err != nil || row <= 0 {
			return 0, 0, fmt.Errorf("bad cell reference %q", ref)
		}
	}
	if col == 0 && row == 0 {
		return 0, 0, fmt.Errorf("bad cell reference %q", ref)
	}
	return row, col, nil
}

func colName(col int) string {
	if col <= 0 {
		return ""
	}
	var buf [8]byte
	i := len(buf)
	for col > 0 {
		col--
		i--
		buf[i] = byte('A' + col%26)
		col /= 26
	}
	return string(buf[i:])
}

// Fingerprint returns the deterministic cache/deduplication key for the
// operation: kind, sheet, range and normalized parameters all contribute.
// Two operations with the same fingerprint are interchangeable upstream.
func (op *Operation) Fingerprint() string {
	h := xxhash.New()
	writeField(h, string(op.Kind))
	writeField(h, op.Sheet)
	writeField(h, op.Range.String())
	if len(op.Params) > 0 {
		keys := make([]string, 0, len(op.Params))
		for k := range op.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeField(h, k)
			writeField(h, op.Params[k])
		}
	}
	if len(op.Payload) > 0 {
		_, _ = h.Write(op.Payload)
	}
	return fmt.Sprintf("%s:%s:%016x", op.Kind, op.Sheet, h.Sum64())
}

// mergeKey groups operations that can travel in one merged upstream call:
// same sheet, same kind.
func (op *Operation) mergeKey() string {
	return string(op.Kind) + "|" + op.Sheet
}

func writeField(h *xxhash.Digest, s string) {
	_, _ = h.WriteString(s)
	_, _ = h.Write([]byte{0})
}
