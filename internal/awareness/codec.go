package awareness

import (
	"time"

	"github.com/marcus/gridsync/internal/models"
)

// encodeState flattens a UserState into the plain map shape published on the
// awareness channel. LastActive travels as unix milliseconds.
func encodeState(st UserState) map[string]any {
	out := map[string]any{
		"user": map[string]any{
			"id":     st.User.ID,
			"name":   st.User.Name,
			"color":  st.User.Color,
			"avatar": st.User.Avatar,
		},
		"isEditing":  st.IsEditing,
		"lastActive": float64(st.LastActive.UnixMilli()),
	}
	if st.Cursor != nil {
		out["cursor"] = encodePos(*st.Cursor)
	}
	if st.Selection != nil {
		out["selection"] = map[string]any{
			"sheet":    st.Selection.SheetID,
			"startRow": float64(st.Selection.Range.StartRow),
			"startCol": float64(st.Selection.Range.StartCol),
			"endRow":   float64(st.Selection.Range.EndRow),
			"endCol":   float64(st.Selection.Range.EndCol),
		}
	}
	if st.EditingCell != nil {
		out["editingCell"] = encodePos(*st.EditingCell)
	}
	return out
}

func encodePos(p CellPos) map[string]any {
	return map[string]any{"sheet": p.SheetID, "row": float64(p.Row), "col": float64(p.Col)}
}

// decodeState parses a published payload, enforcing structural validity:
// user.id, user.name, isEditing and lastActive must all be present with the
// right shapes, or the whole state is rejected. No partially-valid state is
// ever exposed.
func decodeState(raw map[string]any) (UserState, bool) {
	var st UserState

	user, ok := raw["user"].(map[string]any)
	if !ok {
		return st, false
	}
	id, ok := user["id"].(string)
	if !ok || id == "" {
		return st, false
	}
	name, ok := user["name"].(string)
	if !ok {
		return st, false
	}
	editing, ok := raw["isEditing"].(bool)
	if !ok {
		return st, false
	}
	lastActive, ok := raw["lastActive"].(float64)
	if !ok {
		return st, false
	}

	st.User = UserInfo{ID: id, Name: name}
	if color, ok := user["color"].(string); ok {
		st.User.Color = color
	}
	if avatar, ok := user["avatar"].(string); ok {
		st.User.Avatar = avatar
	}
	st.IsEditing = editing
	st.LastActive = time.UnixMilli(int64(lastActive))

	if cursor, ok := raw["cursor"].(map[string]any); ok {
		if p, ok := decodePos(cursor); ok {
			st.Cursor = &p
		}
	}
	if sel, ok := raw["selection"].(map[string]any); ok {
		sheet, okSheet := sel["sheet"].(string)
		sr, ok1 := sel["startRow"].(float64)
		sc, ok2 := sel["startCol"].(float64)
		er, ok3 := sel["endRow"].(float64)
		ec, ok4 := sel["endCol"].(float64)
		if okSheet && ok1 && ok2 && ok3 && ok4 {
			st.Selection = &Selection{SheetID: sheet, Range: models.Range{
				StartRow: int(sr), StartCol: int(sc), EndRow: int(er), EndCol: int(ec),
			}}
		}
	}
	if cell, ok := raw["editingCell"].(map[string]any); ok {
		if p, ok := decodePos(cell); ok {
			st.EditingCell = &p
		}
	}
	return st, true
}

func decodePos(raw map[string]any) (CellPos, bool) {
	sheet, ok := raw["sheet"].(string)
	if !ok {
		return CellPos{}, false
	}
	row, ok := raw["row"].(float64)
	if !ok {
		return CellPos{}, false
	}
	col, ok := raw["col"].(float64)
	if !ok {
		return CellPos{}, false
	}
	return CellPos{SheetID: sheet, Row: int(row), Col: int(col)}, true
}
