package models

import (
	"reflect"
	"testing"
)

func TestCellKeyRoundTrip(t *testing.T) {
	tests := []struct {
		row, col int
	}{
		{0, 0},
		{3, 7},
		{120, 54},
		{-1, 2},
	}
	for _, tt := range tests {
		key := CellKey(tt.row, tt.col)
		row, col, err := ParseCellKey(key)
		if err != nil {
			t.Fatalf("parse %q: %v", key, err)
		}
		if row != tt.row || col != tt.col {
			t.Fatalf("round trip %q: got (%d,%d), want (%d,%d)", key, row, col, tt.row, tt.col)
		}
	}
}

func TestParseCellKeyRejectsMalformed(t *testing.T) {
	for _, key := range []string{"", "3", "a,b", "1,", ",2", "1,2,3"} {
		if _, _, err := ParseCellKey(key); err == nil {
			t.Errorf("key %q: want error", key)
		}
	}
}

func TestNewCellFormulaFlag(t *testing.T) {
	if c := NewCell("=SUM(A1:A3)"); !c.IsFormula {
		t.Fatal("formula input not flagged")
	}
	if c := NewCell("plain"); c.IsFormula {
		t.Fatal("plain input flagged as formula")
	}
	if c := NewCell(""); c.IsFormula {
		t.Fatal("empty input flagged as formula")
	}
}

func TestRangeOverlaps(t *testing.T) {
	base := Range{StartRow: 0, StartCol: 0, EndRow: 5, EndCol: 5}
	tests := []struct {
		name  string
		other Range
		want  bool
	}{
		{"identical", base, true},
		{"partial corner", Range{StartRow: 3, StartCol: 3, EndRow: 8, EndCol: 8}, true},
		{"contained", Range{StartRow: 1, StartCol: 1, EndRow: 2, EndCol: 2}, true},
		{"shared edge cell", Range{StartRow: 5, StartCol: 5, EndRow: 9, EndCol: 9}, true},
		{"disjoint", Range{StartRow: 10, StartCol: 10, EndRow: 15, EndCol: 15}, false},
		{"same rows, cols apart", Range{StartRow: 0, StartCol: 6, EndRow: 5, EndCol: 9}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := base.Overlaps(tt.other); got != tt.want {
				t.Fatalf("overlaps: got %v, want %v", got, tt.want)
			}
			// Overlap is symmetric.
			if got := tt.other.Overlaps(base); got != tt.want {
				t.Fatalf("reverse overlaps: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRangeContains(t *testing.T) {
	r := Range{StartRow: 1, StartCol: 1, EndRow: 3, EndCol: 3}
	if !r.Contains(1, 1) || !r.Contains(3, 3) || !r.Contains(2, 2) {
		t.Fatal("range should contain its corners and interior")
	}
	if r.Contains(0, 2) || r.Contains(2, 4) {
		t.Fatal("range contains cells outside its bounds")
	}
}

func TestWorkbookSheetManagement(t *testing.T) {
	wb := NewWorkbook("wb1", "Book")
	wb.AddSheet(NewSheet("a", "One"))
	wb.AddSheet(NewSheet("b", "Two"))
	wb.AddSheet(NewSheet("c", "Three"))
	wb.ActiveSheet = 2

	if s := wb.Sheet("b"); s == nil || s.Name != "Two" {
		t.Fatalf("lookup by id: got %+v", s)
	}
	if s := wb.SheetByName("Three"); s == nil || s.ID != "c" {
		t.Fatalf("lookup by name: got %+v", s)
	}
	if wb.SheetByName("three") != nil {
		t.Fatal("name lookup should be case-sensitive")
	}

	if !wb.RemoveSheet("c") {
		t.Fatal("remove existing sheet: want true")
	}
	if wb.RemoveSheet("c") {
		t.Fatal("remove absent sheet: want false")
	}
	if got := wb.SheetNames(); !reflect.DeepEqual(got, []string{"One", "Two"}) {
		t.Fatalf("names after remove: got %v", got)
	}
	if wb.ActiveSheet != 1 {
		t.Fatalf("active sheet not clamped: got %d", wb.ActiveSheet)
	}
}
