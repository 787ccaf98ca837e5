package conflict

import (
	"time"

	"github.com/marcus/gridsync/internal/models"
)

// Kind tags one class of structural conflict: syntactically fine after the
// CRDT merge, semantically wrong for the domain.
type Kind string

const (
	KindCellEdit      Kind = "cell_edit"       // concurrent edits of one cell
	KindSheetRename   Kind = "sheet_rename"    // name collision
	KindSheetDelete   Kind = "sheet_delete"    // deletion while someone edits
	KindMergedOverlap Kind = "merged_overlap"  // overlapping merged regions
	KindStyleMerge    Kind = "style_merge"     // concurrent partial styles
	KindFormulaRef    Kind = "formula_ref"     // formula references lost
	KindSheetOp       Kind = "sheet_operation" // competing sheet-level ops
	KindRowColShift   Kind = "row_col_shift"   // concurrent row/col insert/delete
)

// Strategy names a resolution policy.
type Strategy string

const (
	StrategyLocalWins  Strategy = "local_wins"
	StrategyRemoteWins Strategy = "remote_wins"
	StrategyMerge      Strategy = "merge"
	StrategyRename     Strategy = "rename"
	StrategyReject     Strategy = "reject"
)

// Location pins a conflict to a spot in the workbook.
type Location struct {
	SheetID string        `json:"sheet_id,omitempty"`
	Row     int           `json:"row,omitempty"`
	Col     int           `json:"col,omitempty"`
	Range   *models.Range `json:"range,omitempty"`
}

// Conflict is one adjudicated structural conflict. Immutable once recorded.
type Conflict struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Description string    `json:"description"`
	LocalValue  any       `json:"local_value,omitempty"`
	RemoteValue any       `json:"remote_value,omitempty"`
	At          time.Time `json:"at"`
	Location    *Location `json:"location,omitempty"`
	Suggested   Strategy  `json:"suggested"`
}

// Resolution is the outcome of one resolver call. Structural conflicts are
// never surfaced as errors: a rejected operation comes back with OK false
// and a human-readable warning.
type Resolution struct {
	OK       bool
	Strategy Strategy
	Value    any
	Warnings []string
}

// SheetOpType classifies a sheet-level operation for conflict tracking.
type SheetOpType string

const (
	SheetOpAdd    SheetOpType = "add"
	SheetOpRemove SheetOpType = "remove"
	SheetOpRename SheetOpType = "rename"
	SheetOpMove   SheetOpType = "move"
)

// PendingSheetOp is one tracked sheet-level operation awaiting conflict
// detection. Entries are pruned once older than the tracking window.
type PendingSheetOp struct {
	Type     SheetOpType    `json:"type"`
	SheetID  string         `json:"sheet_id"`
	ClientID string         `json:"client_id"`
	At       time.Time      `json:"at"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// CellEdit is one side of a concurrent cell edit.
type CellEdit struct {
	Raw string
	At  time.Time
}

// sheetOpConflicts is the fixed conflict matrix: which pending op types a
// new op of the keyed type collides with. Add collides with nothing.
var sheetOpConflicts = map[SheetOpType][]SheetOpType{
	SheetOpRemove: {SheetOpRemove, SheetOpRename, SheetOpMove},
	SheetOpRename: {SheetOpRemove, SheetOpRename},
	SheetOpMove:   {SheetOpRemove, SheetOpMove},
	SheetOpAdd:    {},
}
