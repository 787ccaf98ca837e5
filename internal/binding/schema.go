package binding

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/marcus/gridsync/internal/models"
	"github.com/marcus/gridsync/internal/replica"
)

// Container layout on the replicated document:
//
//	meta        map: id, name, calcMode, activeSheet
//	sheetOrder  array: sheet ids in display order
//	sheets      map: sheet id -> sheet map
//	  name, zoom, hidden      scalars
//	  cells                   map "row,col" -> JSON cell blob
//	  colWidths, rowHeights   map index -> width/height
//	  merged                  map region key -> JSON range blob
const (
	containerMeta   = "meta"
	containerOrder  = "sheetOrder"
	containerSheets = "sheets"

	keyName        = "name"
	keyID          = "id"
	keyCalcMode    = "calcMode"
	keyActiveSheet = "activeSheet"
	keyZoom        = "zoom"
	keyHidden      = "hidden"
	keyCells       = "cells"
	keyColWidths   = "colWidths"
	keyRowHeights  = "rowHeights"
	keyMerged      = "merged"
)

// cellBlob is the JSON shape of one cell inside the cells container.
type cellBlob struct {
	Raw       string `json:"raw"`
	IsFormula bool   `json:"is_formula,omitempty"`
	Style     string `json:"style,omitempty"`
}

func encodeCell(c models.Cell) string {
	data, _ := json.Marshal(cellBlob{Raw: c.Raw, IsFormula: c.IsFormula, Style: c.StyleJSON})
	return string(data)
}

// decodeCell parses a cell blob. Malformed blobs are an error the caller
// skips per item.
func decodeCell(v any) (models.Cell, error) {
	s, ok := v.(string)
	if !ok {
		return models.Cell{}, fmt.Errorf("cell blob is %T, want string", v)
	}
	var blob cellBlob
	if err := json.Unmarshal([]byte(s), &blob); err != nil {
		return models.Cell{}, fmt.Errorf("parse cell blob: %w", err)
	}
	return models.Cell{Raw: blob.Raw, IsFormula: blob.IsFormula, StyleJSON: blob.Style}, nil
}

func marshalStyle(s *models.CellStyle) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal style: %w", err)
	}
	return string(data), nil
}

func regionKey(r models.Range) string {
	return fmt.Sprintf("%d,%d:%d,%d", r.StartRow, r.StartCol, r.EndRow, r.EndCol)
}

func encodeRegion(r models.Range) string {
	data, _ := json.Marshal(r)
	return string(data)
}

func decodeRegion(v any) (models.Range, error) {
	s, ok := v.(string)
	if !ok {
		return models.Range{}, fmt.Errorf("region blob is %T, want string", v)
	}
	var r models.Range
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return models.Range{}, fmt.Errorf("parse region blob: %w", err)
	}
	return r, nil
}

// writeSheet writes a whole sheet into the sheets container.
func writeSheet(tx *replica.Tx, sheets *replica.Map, s *models.Sheet) {
	sm := sheets.SetMap(tx, s.ID)
	sm.Set(tx, keyName, s.Name)
	sm.Set(tx, keyZoom, s.Zoom)
	sm.Set(tx, keyHidden, s.Hidden)
	cells := sm.SetMap(tx, keyCells)
	for key, c := range s.Cells {
		cells.Set(tx, key, encodeCell(c))
	}
	widths := sm.SetMap(tx, keyColWidths)
	for col, w := range s.ColWidths {
		widths.Set(tx, strconv.Itoa(col), w)
	}
	heights := sm.SetMap(tx, keyRowHeights)
	for row, h := range s.RowHeights {
		heights.Set(tx, strconv.Itoa(row), h)
	}
	merged := sm.SetMap(tx, keyMerged)
	for _, region := range s.Merged {
		merged.Set(tx, regionKey(region.Range), encodeRegion(region.Range))
	}
}

// readSheet rebuilds a sheet from its container map. Malformed cell and
// region blobs are skipped per item, never failing the whole sheet.
func readSheet(id string, sm *replica.Map, logger *slog.Logger) *models.Sheet {
	s := models.NewSheet(id, "")
	if v, ok := sm.Get(keyName); ok {
		if name, ok := v.(string); ok {
			s.Name = name
		}
	}
	if v, ok := sm.Get(keyZoom); ok {
		if z, ok := v.(float64); ok {
			s.Zoom = z
		}
	}
	if v, ok := sm.Get(keyHidden); ok {
		if h, ok := v.(bool); ok {
			s.Hidden = h
		}
	}
	if cells, ok := sm.GetMap(keyCells); ok {
		for _, key := range cells.Keys() {
			v, _ := cells.Get(key)
			c, err := decodeCell(v)
			if err != nil {
				logger.Warn("sync: skipping malformed cell", "sheet", id, "key", key, "err", err)
				continue
			}
			s.Cells[key] = c
		}
	}
	if widths, ok := sm.GetMap(keyColWidths); ok {
		readDimensions(widths, s.ColWidths, "col width", id, logger)
	}
	if heights, ok := sm.GetMap(keyRowHeights); ok {
		readDimensions(heights, s.RowHeights, "row height", id, logger)
	}
	if merged, ok := sm.GetMap(keyMerged); ok {
		for _, key := range merged.Keys() {
			v, _ := merged.Get(key)
			r, err := decodeRegion(v)
			if err != nil {
				logger.Warn("sync: skipping malformed merged region", "sheet", id, "key", key, "err", err)
				continue
			}
			s.Merged = append(s.Merged, models.MergedRegion{Range: r})
		}
	}
	return s
}

func readDimensions(m *replica.Map, dst map[int]float64, what, sheetID string, logger *slog.Logger) {
	for _, key := range m.Keys() {
		idx, err := strconv.Atoi(key)
		if err != nil {
			logger.Warn("sync: skipping malformed "+what+" key", "sheet", sheetID, "key", key)
			continue
		}
		if v, ok := m.Get(key); ok {
			if f, ok := v.(float64); ok {
				dst[idx] = f
			}
		}
	}
}
