package binding

import (
	"time"

	"github.com/marcus/gridsync/internal/models"
)

// ChangeKind classifies one observed mutation.
type ChangeKind string

const (
	ChangeCellValue    ChangeKind = "cell_value"
	ChangeCellFormula  ChangeKind = "cell_formula"
	ChangeCellStyle    ChangeKind = "cell_style"
	ChangeCellDeleted  ChangeKind = "cell_deleted"
	ChangeSheetAdded   ChangeKind = "sheet_added"
	ChangeSheetRemoved ChangeKind = "sheet_removed"
	ChangeSheetRenamed ChangeKind = "sheet_renamed"
	ChangeSheetProp    ChangeKind = "sheet_property"
	ChangeWorkbookProp ChangeKind = "workbook_property"
	ChangeColWidth     ChangeKind = "col_width"
	ChangeRowHeight    ChangeKind = "row_height"
	ChangeMergedAdded  ChangeKind = "merged_added"
	ChangeMergedRemove ChangeKind = "merged_removed"

	// Structural row/col shifts. No mutator emits these yet; the conflict
	// package already adjudicates concurrent shifts (KindRowColShift).
	ChangeRowColInsert ChangeKind = "row_col_insert"
	ChangeRowColDelete ChangeKind = "row_col_delete"
)

// Change is one observed mutation, queued by an observer callback and
// consumed exactly once by the next batch flush. Never mutated after
// creation.
type Change struct {
	Kind    ChangeKind    `json:"kind"`
	SheetID string        `json:"sheet_id,omitempty"`
	Row     int           `json:"row,omitempty"`
	Col     int           `json:"col,omitempty"`
	Key     string        `json:"key,omitempty"` // property name or cell/region key
	Range   *models.Range `json:"range,omitempty"`
	Old     any           `json:"old,omitempty"`
	New     any           `json:"new,omitempty"`
	Origin  string        `json:"origin"`
	At      time.Time     `json:"at"`
}
