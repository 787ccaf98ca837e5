// Package conflict adjudicates the structural conflicts a CRDT merge cannot
// resolve on its own: name collisions, overlapping merged regions, invalid
// formula references, deletion-while-editing races. Every resolver call is
// synchronous and deterministic: detect, compute the resolution, record a
// Conflict in the bounded history, notify subscribers, return.
package conflict

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/marcus/gridsync/internal/models"
)

// DefaultHistorySize bounds the conflict history ring.
const DefaultHistorySize = 100

// DefaultOpWindow is how long a tracked sheet operation stays eligible for
// conflict detection.
const DefaultOpWindow = 30 * time.Second

// RefError is the sentinel substituted for invalidated formula references.
const RefError = "#REF!"

// DecisionFunc is a caller-supplied interactive decision hook. When set, it
// is consulted before a delete-while-editing conflict resolves.
type DecisionFunc func(Conflict) Strategy

// Options configures a Resolver.
type Options struct {
	HistorySize int           // 0 means DefaultHistorySize
	OpWindow    time.Duration // 0 means DefaultOpWindow
	Logger      *slog.Logger  // nil means slog.Default()
}

// Resolver is the policy engine. It keeps no shared mutable state beyond the
// conflict history ring and the per-sheet pending-operation ledger.
type Resolver struct {
	logger   *slog.Logger
	opWindow time.Duration

	// history is a ring: next points at the slot the next conflict lands in,
	// oldest entries are evicted first.
	history []Conflict
	next    int
	filled  int

	pending map[string][]PendingSheetOp // sheet id -> ledger

	subs      map[int]func(Conflict)
	nextSubID int

	defaultStrategy Strategy
	decide          DecisionFunc
	destroyed       bool
}

// NewResolver creates a resolver with the remote-wins default strategy.
func NewResolver(opts Options) *Resolver {
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.OpWindow <= 0 {
		opts.OpWindow = DefaultOpWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Resolver{
		logger:          opts.Logger,
		opWindow:        opts.OpWindow,
		history:         make([]Conflict, opts.HistorySize),
		pending:         map[string][]PendingSheetOp{},
		subs:            map[int]func(Conflict){},
		defaultStrategy: StrategyRemoteWins,
	}
}

// SetDefaultStrategy overrides the policy applied when no interactive
// decision callback answers.
func (r *Resolver) SetDefaultStrategy(s Strategy) {
	r.defaultStrategy = s
}

// SetResolutionRequestCallback installs the interactive decision hook.
// Passing nil removes it.
func (r *Resolver) SetResolutionRequestCallback(fn DecisionFunc) {
	r.decide = fn
}

// OnConflict subscribes to recorded conflicts. Returns an unsubscribe func.
func (r *Resolver) OnConflict(fn func(Conflict)) func() {
	r.nextSubID++
	id := r.nextSubID
	r.subs[id] = fn
	return func() { delete(r.subs, id) }
}

// record appends to the ring and notifies subscribers. A panicking
// subscriber is logged and does not block the rest or the caller.
func (r *Resolver) record(c Conflict) Conflict {
	c.ID = uuid.NewString()
	c.At = time.Now()
	if r.destroyed {
		return c
	}
	r.history[r.next] = c
	r.next = (r.next + 1) % len(r.history)
	if r.filled < len(r.history) {
		r.filled++
	}
	for id, fn := range r.subs {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Warn("conflict: subscriber panicked", "sub", id, "err", p)
				}
			}()
			fn(c)
		}()
	}
	return c
}

// GetConflictHistory returns recorded conflicts, most recent first. A limit
// of 0 returns everything retained.
func (r *Resolver) GetConflictHistory(limit int) []Conflict {
	if limit <= 0 || limit > r.filled {
		limit = r.filled
	}
	out := make([]Conflict, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.history)) % len(r.history)
		out = append(out, r.history[idx])
	}
	return out
}

// ClearConflictHistory empties the ring.
func (r *Resolver) ClearConflictHistory() {
	r.next = 0
	r.filled = 0
}

// Destroy drops the ledger, history and subscribers. Idempotent.
func (r *Resolver) Destroy() {
	if r.destroyed {
		return
	}
	r.destroyed = true
	r.ClearConflictHistory()
	r.pending = map[string][]PendingSheetOp{}
	r.subs = map[int]func(Conflict){}
	r.decide = nil
}

// ResolveSheetRename adjudicates a proposed sheet name against the existing
// set, case-insensitively. A free name passes through unchanged; a colliding
// name gets the smallest " (n)" suffix not already taken.
func (r *Resolver) ResolveSheetRename(proposed string, existing []string) Resolution {
	taken := make(map[string]bool, len(existing))
	for _, name := range existing {
		taken[strings.ToLower(name)] = true
	}
	if !taken[strings.ToLower(proposed)] {
		return Resolution{OK: true, Strategy: StrategyLocalWins, Value: proposed}
	}
	// Names collections are small; linear probing is fine.
	resolved := proposed
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)", proposed, n)
		if !taken[strings.ToLower(candidate)] {
			resolved = candidate
			break
		}
	}
	r.record(Conflict{
		Kind:        KindSheetRename,
		Description: fmt.Sprintf("sheet name %q already taken, renamed to %q", proposed, resolved),
		LocalValue:  proposed,
		RemoteValue: existing,
		Suggested:   StrategyRename,
	})
	return Resolution{
		OK:       true,
		Strategy: StrategyRename,
		Value:    resolved,
		Warnings: []string{fmt.Sprintf("name %q was taken; using %q", proposed, resolved)},
	}
}

// ResolveMergedOverlap checks a proposed merged region against every
// existing region on the sheet. Any overlap rejects the operation outright;
// merged regions cannot partially overlap.
func (r *Resolver) ResolveMergedOverlap(sheetID string, proposed models.Range, existing []models.MergedRegion) Resolution {
	for _, region := range existing {
		if !proposed.Overlaps(region.Range) {
			continue
		}
		rr := proposed
		r.record(Conflict{
			Kind:        KindMergedOverlap,
			Description: fmt.Sprintf("merged region %v overlaps existing region %v", proposed, region.Range),
			LocalValue:  proposed,
			RemoteValue: region.Range,
			Location:    &Location{SheetID: sheetID, Range: &rr},
			Suggested:   StrategyReject,
		})
		return Resolution{
			OK:       false,
			Strategy: StrategyReject,
			Warnings: []string{fmt.Sprintf("region overlaps existing merged region %v", region.Range)},
		}
	}
	return Resolution{OK: true, Strategy: StrategyLocalWins, Value: proposed}
}

// MergeStyles combines two partial styles with remote precedence on scalar
// fields. Font and borders get one extra level of shallow merge so a local
// bold flag survives a remote italic-only change.
func (r *Resolver) MergeStyles(sheetID string, row, col int, local, remote *models.CellStyle) Resolution {
	if local == nil && remote == nil {
		return Resolution{OK: true, Strategy: StrategyMerge}
	}
	if local == nil {
		return Resolution{OK: true, Strategy: StrategyRemoteWins, Value: remote}
	}
	if remote == nil {
		return Resolution{OK: true, Strategy: StrategyLocalWins, Value: local}
	}

	merged := *local
	if remote.Background != nil {
		merged.Background = remote.Background
	}
	if remote.Align != nil {
		merged.Align = remote.Align
	}
	if remote.VAlign != nil {
		merged.VAlign = remote.VAlign
	}
	if remote.Wrap != nil {
		merged.Wrap = remote.Wrap
	}
	if remote.Format != nil {
		merged.Format = remote.Format
	}
	merged.Font = mergeFonts(local.Font, remote.Font)
	merged.Borders = mergeBorders(local.Borders, remote.Borders)

	r.record(Conflict{
		Kind:        KindStyleMerge,
		Description: "concurrent style edits merged with remote precedence",
		LocalValue:  local,
		RemoteValue: remote,
		Location:    &Location{SheetID: sheetID, Row: row, Col: col},
		Suggested:   StrategyMerge,
	})
	return Resolution{OK: true, Strategy: StrategyMerge, Value: &merged}
}

func mergeFonts(local, remote *models.FontStyle) *models.FontStyle {
	if local == nil {
		return remote
	}
	if remote == nil {
		return local
	}
	merged := *local
	if remote.Bold != nil {
		merged.Bold = remote.Bold
	}
	if remote.Italic != nil {
		merged.Italic = remote.Italic
	}
	if remote.Size != nil {
		merged.Size = remote.Size
	}
	if remote.Family != nil {
		merged.Family = remote.Family
	}
	if remote.Color != nil {
		merged.Color = remote.Color
	}
	return &merged
}

func mergeBorders(local, remote *models.BorderStyle) *models.BorderStyle {
	if local == nil {
		return remote
	}
	if remote == nil {
		return local
	}
	merged := *local
	if remote.Top != nil {
		merged.Top = remote.Top
	}
	if remote.Bottom != nil {
		merged.Bottom = remote.Bottom
	}
	if remote.Left != nil {
		merged.Left = remote.Left
	}
	if remote.Right != nil {
		merged.Right = remote.Right
	}
	return &merged
}

// InvalidateFormulaRefs rewrites every whole-word occurrence of each invalid
// reference to the #REF! sentinel, case-insensitively. With no invalid
// references the formula is returned byte-for-byte unchanged.
func (r *Resolver) InvalidateFormulaRefs(sheetID string, row, col int, formula string, invalidRefs []string) Resolution {
	rewritten := formula
	for _, ref := range invalidRefs {
		if ref == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(ref) + `\b`)
		if err != nil {
			r.logger.Warn("conflict: bad reference token", "ref", ref, "err", err)
			continue
		}
		rewritten = re.ReplaceAllString(rewritten, RefError)
	}
	if rewritten == formula {
		return Resolution{OK: true, Strategy: StrategyLocalWins, Value: formula}
	}
	r.record(Conflict{
		Kind:        KindFormulaRef,
		Description: fmt.Sprintf("formula references invalidated: %s", strings.Join(invalidRefs, ", ")),
		LocalValue:  formula,
		RemoteValue: rewritten,
		Location:    &Location{SheetID: sheetID, Row: row, Col: col},
		Suggested:   StrategyMerge,
	})
	return Resolution{
		OK:       true,
		Strategy: StrategyMerge,
		Value:    rewritten,
		Warnings: []string{"formula contained references to deleted cells"},
	}
}

// ResolveCellEdit adjudicates two concurrent edits of one cell: the newer
// edit wins, remote on a tie.
func (r *Resolver) ResolveCellEdit(sheetID string, row, col int, local, remote CellEdit) Resolution {
	strategy := StrategyRemoteWins
	winner := remote.Raw
	if local.At.After(remote.At) {
		strategy = StrategyLocalWins
		winner = local.Raw
	}
	r.record(Conflict{
		Kind:        KindCellEdit,
		Description: fmt.Sprintf("concurrent edits of cell %s", models.CellKey(row, col)),
		LocalValue:  local.Raw,
		RemoteValue: remote.Raw,
		Location:    &Location{SheetID: sheetID, Row: row, Col: col},
		Suggested:   strategy,
	})
	return Resolution{OK: true, Strategy: strategy, Value: winner}
}

// ResolveRowColShift adjudicates concurrent structural shifts (row/col
// insert or delete) on one sheet. The remote shift is kept and the local one
// must be re-derived by the caller against the shifted coordinates.
func (r *Resolver) ResolveRowColShift(sheetID string, localOp, remoteOp string) Resolution {
	r.record(Conflict{
		Kind:        KindRowColShift,
		Description: fmt.Sprintf("concurrent structural edits on sheet %s: local %s vs remote %s", sheetID, localOp, remoteOp),
		LocalValue:  localOp,
		RemoteValue: remoteOp,
		Location:    &Location{SheetID: sheetID},
		Suggested:   StrategyRemoteWins,
	})
	return Resolution{
		OK:       true,
		Strategy: StrategyRemoteWins,
		Value:    remoteOp,
		Warnings: []string{"local structural edit must be rebased onto the remote shift"},
	}
}

// ResolveSheetDelete adjudicates a sheet deletion against the users active
// on it. With nobody active the deletion is approved silently. Otherwise the
// interactive callback (when installed) decides; failing that, the
// configured default applies — remote wins out of the box, discarding the
// in-flight edits.
func (r *Resolver) ResolveSheetDelete(sheetID, sheetName string, activeUsers []string) Resolution {
	if len(activeUsers) == 0 {
		return Resolution{OK: true, Strategy: StrategyRemoteWins}
	}
	c := r.record(Conflict{
		Kind: KindSheetDelete,
		Description: fmt.Sprintf("sheet %q deleted while %d user(s) are editing it: %s",
			sheetName, len(activeUsers), strings.Join(activeUsers, ", ")),
		LocalValue:  activeUsers,
		RemoteValue: sheetID,
		Location:    &Location{SheetID: sheetID},
		Suggested:   r.defaultStrategy,
	})

	strategy := r.defaultStrategy
	if r.decide != nil {
		strategy = r.decide(c)
	}
	if strategy == StrategyLocalWins || strategy == StrategyReject {
		return Resolution{
			OK:       false,
			Strategy: strategy,
			Warnings: []string{fmt.Sprintf("deletion of %q held back: users are editing it", sheetName)},
		}
	}
	return Resolution{
		OK:       true,
		Strategy: strategy,
		Warnings: []string{fmt.Sprintf("sheet %q deleted; in-flight edits were discarded", sheetName)},
	}
}

// TrackSheetOperation appends an operation to the per-sheet ledger, pruning
// entries older than the tracking window on the way.
func (r *Resolver) TrackSheetOperation(op PendingSheetOp) {
	if r.destroyed {
		return
	}
	if op.At.IsZero() {
		op.At = time.Now()
	}
	r.prune(op.SheetID)
	r.pending[op.SheetID] = append(r.pending[op.SheetID], op)
}

func (r *Resolver) prune(sheetID string) {
	cutoff := time.Now().Add(-r.opWindow)
	ledger := r.pending[sheetID]
	kept := ledger[:0]
	for _, op := range ledger {
		if op.At.After(cutoff) {
			kept = append(kept, op)
		}
	}
	if len(kept) == 0 {
		delete(r.pending, sheetID)
		return
	}
	r.pending[sheetID] = kept
}

// CheckSheetOperationConflicts reports whether a different client has a
// pending operation on the sheet whose type collides with opType under the
// conflict matrix. A detected collision is recorded and notified.
func (r *Resolver) CheckSheetOperationConflicts(sheetID, clientID string, opType SheetOpType) (bool, []PendingSheetOp) {
	r.prune(sheetID)
	conflictsWith := sheetOpConflicts[opType]
	var hits []PendingSheetOp
	for _, op := range r.pending[sheetID] {
		if op.ClientID == clientID {
			continue
		}
		for _, t := range conflictsWith {
			if op.Type == t {
				hits = append(hits, op)
				break
			}
		}
	}
	if len(hits) == 0 {
		return false, nil
	}
	r.record(Conflict{
		Kind: KindSheetOp,
		Description: fmt.Sprintf("%s on sheet %s collides with %d pending operation(s) from other clients",
			opType, sheetID, len(hits)),
		LocalValue:  string(opType),
		RemoteValue: hits,
		Location:    &Location{SheetID: sheetID},
		Suggested:   r.defaultStrategy,
	})
	return true, hits
}
