package models

import (
	"fmt"
	"strconv"
	"strings"
)

// CalcMode controls when formulas are recalculated.
type CalcMode string

const (
	CalcAuto   CalcMode = "auto"
	CalcManual CalcMode = "manual"
)

// CellKey returns the canonical "row,col" key used by cell maps.
func CellKey(row, col int) string {
	return strconv.Itoa(row) + "," + strconv.Itoa(col)
}

// ParseCellKey parses a "row,col" key back into coordinates.
func ParseCellKey(key string) (row, col int, err error) {
	left, right, ok := strings.Cut(key, ",")
	if !ok {
		return 0, 0, fmt.Errorf("invalid cell key %q", key)
	}
	row, err = strconv.Atoi(left)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid cell key %q: %w", key, err)
	}
	col, err = strconv.Atoi(right)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid cell key %q: %w", key, err)
	}
	return row, col, nil
}

// Cell is one spreadsheet cell. Raw holds the user's input text; a cell is a
// formula iff Raw starts with "=". StyleJSON, when non-empty, is a
// JSON-serialized CellStyle blob.
type Cell struct {
	Raw       string `json:"raw"`
	IsFormula bool   `json:"is_formula"`
	StyleJSON string `json:"style,omitempty"`
}

// NewCell builds a cell from raw input, deriving the formula flag.
func NewCell(raw string) Cell {
	return Cell{Raw: raw, IsFormula: strings.HasPrefix(raw, "=")}
}

// FontStyle is the nested font portion of a cell style.
type FontStyle struct {
	Bold   *bool   `json:"bold,omitempty"`
	Italic *bool   `json:"italic,omitempty"`
	Size   *int    `json:"size,omitempty"`
	Family *string `json:"family,omitempty"`
	Color  *string `json:"color,omitempty"`
}

// BorderStyle is the nested border portion of a cell style.
type BorderStyle struct {
	Top    *string `json:"top,omitempty"`
	Bottom *string `json:"bottom,omitempty"`
	Left   *string `json:"left,omitempty"`
	Right  *string `json:"right,omitempty"`
}

// CellStyle is a partial style: nil pointer fields are "not set" so styles
// can be merged without clobbering unrelated attributes.
type CellStyle struct {
	Background *string      `json:"background,omitempty"`
	Align      *string      `json:"align,omitempty"`
	VAlign     *string      `json:"valign,omitempty"`
	Wrap       *bool        `json:"wrap,omitempty"`
	Format     *string      `json:"format,omitempty"`
	Font       *FontStyle   `json:"font,omitempty"`
	Borders    *BorderStyle `json:"borders,omitempty"`
}

// Range is an inclusive rectangular cell range.
type Range struct {
	StartRow int `json:"start_row"`
	StartCol int `json:"start_col"`
	EndRow   int `json:"end_row"`
	EndCol   int `json:"end_col"`
}

// Overlaps reports whether two ranges share at least one cell.
func (r Range) Overlaps(o Range) bool {
	return !(r.EndCol < o.StartCol || r.StartCol > o.EndCol ||
		r.EndRow < o.StartRow || r.StartRow > o.EndRow)
}

// Contains reports whether the range covers the given cell.
func (r Range) Contains(row, col int) bool {
	return row >= r.StartRow && row <= r.EndRow && col >= r.StartCol && col <= r.EndCol
}

// MergedRegion is a merged block of cells on a sheet.
type MergedRegion struct {
	Range
}

// Sheet is one worksheet: cells keyed by "row,col", per-index column widths
// and row heights, and the merged-region list.
type Sheet struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Cells      map[string]Cell `json:"cells"`
	ColWidths  map[int]float64 `json:"col_widths,omitempty"`
	RowHeights map[int]float64 `json:"row_heights,omitempty"`
	Merged     []MergedRegion  `json:"merged,omitempty"`
	Zoom       float64         `json:"zoom,omitempty"`
	Hidden     bool            `json:"hidden,omitempty"`
}

// NewSheet returns an empty sheet with initialized maps.
func NewSheet(id, name string) *Sheet {
	return &Sheet{
		ID:         id,
		Name:       name,
		Cells:      map[string]Cell{},
		ColWidths:  map[int]float64{},
		RowHeights: map[int]float64{},
		Zoom:       1.0,
	}
}

// Workbook is the in-memory document model. Sheet order is the order of the
// Sheets slice; ActiveSheet is an index into it.
type Workbook struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	CalcMode    CalcMode `json:"calc_mode"`
	Sheets      []*Sheet `json:"sheets"`
	ActiveSheet int      `json:"active_sheet"`
}

// NewWorkbook returns a workbook with no sheets.
func NewWorkbook(id, name string) *Workbook {
	return &Workbook{ID: id, Name: name, CalcMode: CalcAuto}
}

// Sheet returns the sheet with the given id, or nil.
func (w *Workbook) Sheet(id string) *Sheet {
	for _, s := range w.Sheets {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// SheetByName returns the sheet with the given name (case-sensitive), or nil.
func (w *Workbook) SheetByName(name string) *Sheet {
	for _, s := range w.Sheets {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// AddSheet appends a sheet to the workbook.
func (w *Workbook) AddSheet(s *Sheet) {
	w.Sheets = append(w.Sheets, s)
}

// RemoveSheet removes the sheet with the given id, preserving order.
// Returns false if no such sheet exists.
func (w *Workbook) RemoveSheet(id string) bool {
	for i, s := range w.Sheets {
		if s.ID == id {
			w.Sheets = append(w.Sheets[:i], w.Sheets[i+1:]...)
			if w.ActiveSheet >= len(w.Sheets) && w.ActiveSheet > 0 {
				w.ActiveSheet = len(w.Sheets) - 1
			}
			return true
		}
	}
	return false
}

// SheetNames returns the sheet names in order.
func (w *Workbook) SheetNames() []string {
	names := make([]string, len(w.Sheets))
	for i, s := range w.Sheets {
		names[i] = s.Name
	}
	return names
}
