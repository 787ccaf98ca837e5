// Package awareness tracks ephemeral per-user presence — cursor, selection,
// active edit — over a non-persisted replicated channel. Presence is
// replace-whole: every publish ships the user's entire state, because the
// channel has no nested-object change tracking.
package awareness

import (
	"hash/fnv"
	"log/slog"
	"sort"
	"time"

	"github.com/marcus/gridsync/internal/models"
	"github.com/marcus/gridsync/internal/replica"
)

// UserInfo identifies one collaborating user.
type UserInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Color  string `json:"color,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// CellPos locates one cell on a sheet.
type CellPos struct {
	SheetID string `json:"sheet"`
	Row     int    `json:"row"`
	Col     int    `json:"col"`
}

// Selection is a selected range on a sheet.
type Selection struct {
	SheetID string       `json:"sheet"`
	Range   models.Range `json:"range"`
}

// UserState is one user's full presence. States are replaced wholesale on
// every update, never merged field by field.
type UserState struct {
	User        UserInfo
	Cursor      *CellPos
	Selection   *Selection
	IsEditing   bool
	EditingCell *CellPos
	LastActive  time.Time
}

// DefaultStaleTimeout is how long a remote state stays visible without a
// fresh lastActive before the queries stop reporting it.
const DefaultStaleTimeout = 30 * time.Second

// colorPalette is the fallback cursor-color set; GenerateUserColor indexes
// into it deterministically.
var colorPalette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
	"#008080", "#e6beff", "#9a6324", "#800000", "#aaffc3",
}

// GenerateUserColor maps a user id onto the palette. The same id always
// yields the same color within one process.
func GenerateUserColor(id string) string {
	h := fnv.New32a()
	h.Write([]byte(id))
	return colorPalette[h.Sum32()%uint32(len(colorPalette))]
}

// Tracker publishes the local user's presence and exposes queries over the
// valid remote population.
type Tracker struct {
	ch     *replica.Awareness
	user   UserInfo
	logger *slog.Logger
	stale  time.Duration

	callbacks map[int]func(map[string]UserState)
	nextCBID  int
	unsub     func()
	destroyed bool
}

// Options configures a Tracker.
type Options struct {
	Logger       *slog.Logger
	StaleTimeout time.Duration // 0 means DefaultStaleTimeout
}

// NewTracker binds the local user to an awareness channel and publishes an
// initial empty presence. A missing color is filled from the palette.
func NewTracker(ch *replica.Awareness, user UserInfo, opts Options) *Tracker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StaleTimeout <= 0 {
		opts.StaleTimeout = DefaultStaleTimeout
	}
	if user.Color == "" {
		user.Color = GenerateUserColor(user.ID)
	}
	t := &Tracker{
		ch:        ch,
		user:      user,
		logger:    opts.Logger,
		stale:     opts.StaleTimeout,
		callbacks: map[int]func(map[string]UserState){},
	}
	t.unsub = ch.OnChange(t.handleChange)
	t.publish(t.defaultState())
	return t
}

func (t *Tracker) defaultState() UserState {
	return UserState{User: t.user, LastActive: time.Now()}
}

// localState reads the current published local state, synthesizing a default
// when none exists yet.
func (t *Tracker) localState() UserState {
	if raw := t.ch.LocalState(); raw != nil {
		if st, ok := decodeState(raw); ok {
			return st
		}
	}
	return t.defaultState()
}

func (t *Tracker) publish(st UserState) {
	if t.destroyed {
		return
	}
	st.LastActive = time.Now()
	t.ch.SetLocalState(encodeState(st))
}

// SetLocalCursor publishes a new cursor position.
func (t *Tracker) SetLocalCursor(sheetID string, row, col int) {
	st := t.localState()
	st.Cursor = &CellPos{SheetID: sheetID, Row: row, Col: col}
	t.publish(st)
}

// SetLocalSelection publishes a new selection.
func (t *Tracker) SetLocalSelection(sheetID string, r models.Range) {
	st := t.localState()
	st.Selection = &Selection{SheetID: sheetID, Range: r}
	t.publish(st)
}

// SetLocalCursorAndSelection publishes both in one update.
func (t *Tracker) SetLocalCursorAndSelection(sheetID string, row, col int, r models.Range) {
	st := t.localState()
	st.Cursor = &CellPos{SheetID: sheetID, Row: row, Col: col}
	st.Selection = &Selection{SheetID: sheetID, Range: r}
	t.publish(st)
}

// SetLocalEditing marks the local user as editing the given cell, or as not
// editing when editing is false (cell is then ignored).
func (t *Tracker) SetLocalEditing(editing bool, cell *CellPos) {
	st := t.localState()
	st.IsEditing = editing
	if editing {
		st.EditingCell = cell
	} else {
		st.EditingCell = nil
	}
	t.publish(st)
}

// UpdateLastActive re-publishes the current state with a fresh timestamp.
func (t *Tracker) UpdateLastActive() {
	t.publish(t.localState())
}

// UpdateLocalUser replaces the local user's identity fields.
func (t *Tracker) UpdateLocalUser(user UserInfo) {
	if user.Color == "" {
		user.Color = GenerateUserColor(user.ID)
	}
	t.user = user
	st := t.localState()
	st.User = user
	t.publish(st)
}

// ClearLocalState publishes a minimal default state: no cursor, no
// selection, not editing. Used on document switch, not teardown.
func (t *Tracker) ClearLocalState() {
	t.publish(t.defaultState())
}

// GetLocalState returns the local user's current state.
func (t *Tracker) GetLocalState() UserState {
	return t.localState()
}

// GetRemoteStates returns every structurally valid remote state keyed by
// client id. Invalid payloads are excluded entirely, never partially, and a
// state whose lastActive has aged past the staleness window is excluded too.
// Staleness is checked cooperatively on every query, never by a timer, so a
// peer whose departure publish was lost fades out as soon as anyone looks.
func (t *Tracker) GetRemoteStates() map[string]UserState {
	out := map[string]UserState{}
	cutoff := time.Now().Add(-t.stale)
	for clientID, raw := range t.ch.States() {
		if clientID == t.ch.ClientID() {
			continue
		}
		st, ok := decodeState(raw)
		if !ok || st.LastActive.Before(cutoff) {
			continue
		}
		out[clientID] = st
	}
	return out
}

// GetAllStates returns every valid state, the local user included.
func (t *Tracker) GetAllStates() map[string]UserState {
	out := t.GetRemoteStates()
	if raw := t.ch.LocalState(); raw != nil {
		if st, ok := decodeState(raw); ok {
			out[t.ch.ClientID()] = st
		}
	}
	return out
}

// GetUsersOnSheet returns the users whose cursor is on the given sheet.
// Recomputed per call; nothing is cached.
func (t *Tracker) GetUsersOnSheet(sheetID string) []UserState {
	var out []UserState
	for _, st := range t.GetAllStates() {
		if st.Cursor != nil && st.Cursor.SheetID == sheetID {
			out = append(out, st)
		}
	}
	return out
}

// GetEditingUsers returns the users currently editing a cell.
func (t *Tracker) GetEditingUsers() []UserState {
	var out []UserState
	for _, st := range t.GetAllStates() {
		if st.IsEditing {
			out = append(out, st)
		}
	}
	return out
}

// GetCellEditor returns the user editing the given cell, or nil.
func (t *Tracker) GetCellEditor(sheetID string, row, col int) *UserState {
	for _, st := range t.GetAllStates() {
		if st.IsEditing && st.EditingCell != nil &&
			st.EditingCell.SheetID == sheetID && st.EditingCell.Row == row && st.EditingCell.Col == col {
			copy := st
			return &copy
		}
	}
	return nil
}

// OnRemoteAwareness registers a callback receiving the full valid remote
// state map on every remote update. Fires once immediately when remote state
// already exists, so late subscribers see existing presence. Returns an
// unsubscribe func.
func (t *Tracker) OnRemoteAwareness(fn func(map[string]UserState)) func() {
	t.nextCBID++
	id := t.nextCBID
	t.callbacks[id] = fn
	if remote := t.GetRemoteStates(); len(remote) > 0 {
		t.invoke(fn, remote)
	}
	return func() { delete(t.callbacks, id) }
}

func (t *Tracker) handleChange(change replica.AwarenessChange) {
	if t.destroyed {
		return
	}
	remoteTouched := false
	for _, ids := range [][]string{change.Added, change.Updated, change.Removed} {
		for _, id := range ids {
			if id != t.ch.ClientID() {
				remoteTouched = true
			}
		}
	}
	if !remoteTouched {
		return
	}
	remote := t.GetRemoteStates()
	for _, id := range sortedCallbackIDs(t.callbacks) {
		if fn, ok := t.callbacks[id]; ok {
			t.invoke(fn, remote)
		}
	}
}

// invoke isolates one callback: a panic is logged and does not stop the
// remaining callbacks.
func (t *Tracker) invoke(fn func(map[string]UserState), remote map[string]UserState) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("awareness: callback panicked", "err", r)
		}
	}()
	fn(remote)
}

// Destroy detaches the channel listener, publishes a departure so peers see
// the user leave immediately, and clears the callback registry. Idempotent.
func (t *Tracker) Destroy() {
	if t.destroyed {
		return
	}
	t.destroyed = true
	t.unsub()
	t.ch.SetLocalState(nil)
	t.callbacks = map[int]func(map[string]UserState){}
}

func sortedCallbackIDs(m map[int]func(map[string]UserState)) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
