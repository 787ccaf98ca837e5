// Package binding keeps a local workbook model and a replicated document in
// lockstep: local mutations become origin-tagged transactions, remote
// transactions are replayed onto the model, and observed changes are
// delivered to listeners in debounced batches. Undo/redo is scoped to local
// edits only.
package binding

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marcus/gridsync/internal/models"
	"github.com/marcus/gridsync/internal/replica"
)

// ErrUnknownSheet is returned by mutators given a sheet id the workbook does
// not contain.
var ErrUnknownSheet = errors.New("unknown sheet")

// DefaultDebounce is the batch flush delay measured from the last queued
// change.
const DefaultDebounce = 100 * time.Millisecond

// syncState is the reentrancy guard. Mutators and observers are no-ops
// unless the binding is idle.
type syncState int

const (
	stateIdle syncState = iota
	stateApplyingLocal
	stateApplyingRemote
)

// Transport is the handle to the external provider that ships encoded
// updates between peers. The binding only manages its lifecycle.
type Transport interface {
	Connect() error
	Disconnect()
	Connected() bool
}

// Options configures a Binding.
type Options struct {
	Debounce time.Duration // 0 means DefaultDebounce
	Logger   *slog.Logger  // nil means slog.Default()
}

// Binding is the two-way translator between a workbook model and a
// replicated document.
type Binding struct {
	doc    *replica.Doc
	wb     *models.Workbook
	logger *slog.Logger

	origin     string // local-origin marker on every local transaction
	undoOrigin string // marker on undo/redo transactions

	state       syncState
	initialized bool

	meta   *replica.Map
	order  *replica.Array
	sheets *replica.Map
	undo   *replica.UndoManager
	unsubs []func()

	transport Transport

	// mu guards the fields shared with the debounce timer goroutine,
	// destroyed included: Destroy races with a firing flush.
	mu         sync.Mutex
	destroyed  bool
	pending    []Change
	flushTimer *time.Timer
	debounce   time.Duration
	changeSubs map[int]func([]Change)
	connSubs   map[int]func(bool)
	nextSubID  int
	flushing   sync.WaitGroup
}

// New attaches a binding to the given doc. The workbook may be nil when the
// binding will adopt replica state via SyncFromReplica.
func New(doc *replica.Doc, wb *models.Workbook, opts Options) *Binding {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	id := uuid.NewString()
	b := &Binding{
		doc:        doc,
		wb:         wb,
		logger:     opts.Logger,
		origin:     "binding:" + id,
		undoOrigin: "undo:" + id,
		meta:       doc.GetMap(containerMeta),
		order:      doc.GetArray(containerOrder),
		sheets:     doc.GetMap(containerSheets),
		debounce:   opts.Debounce,
		changeSubs: map[int]func([]Change){},
		connSubs:   map[int]func(bool){},
	}
	b.undo = replica.NewUndoManager(doc,
		[]string{containerMeta, containerOrder, containerSheets},
		b.undoOrigin, b.origin)
	b.attachObservers()
	return b
}

// Workbook returns the bound local model. Callers must not mutate it
// directly while the binding is attached.
func (b *Binding) Workbook() *models.Workbook { return b.wb }

// LocalOrigin returns the binding's local-origin marker.
func (b *Binding) LocalOrigin() string { return b.origin }

// InitializeFromDocument writes the entire local model into the replicated
// document in one local-origin transaction. Idempotent: a second call is a
// no-op, checked by flag rather than by inspecting document contents.
func (b *Binding) InitializeFromDocument() {
	if b.destroyed || b.initialized || b.wb == nil {
		return
	}
	b.initialized = true
	b.state = stateApplyingLocal
	defer func() { b.state = stateIdle }()

	b.doc.Transact(b.origin, func(tx *replica.Tx) {
		b.meta.Set(tx, keyID, b.wb.ID)
		b.meta.Set(tx, keyName, b.wb.Name)
		b.meta.Set(tx, keyCalcMode, string(b.wb.CalcMode))
		b.meta.Set(tx, keyActiveSheet, float64(b.wb.ActiveSheet))
		ids := make([]any, len(b.wb.Sheets))
		for i, s := range b.wb.Sheets {
			ids[i] = s.ID
			writeSheet(tx, b.sheets, s)
		}
		b.order.Replace(tx, ids)
	})
	// Seeding the document is not an undoable user edit.
	b.undo.Clear()
}

// SyncFromReplica adopts existing replica state into a fresh local model.
// Idempotent; tolerates partially-populated documents (metadata but no
// sheets) without failing.
func (b *Binding) SyncFromReplica() {
	if b.destroyed || b.initialized {
		return
	}
	b.initialized = true

	wb := models.NewWorkbook("", "")
	if v, ok := b.meta.Get(keyID); ok {
		if s, ok := v.(string); ok {
			wb.ID = s
		}
	}
	if v, ok := b.meta.Get(keyName); ok {
		if s, ok := v.(string); ok {
			wb.Name = s
		}
	}
	if v, ok := b.meta.Get(keyCalcMode); ok {
		if s, ok := v.(string); ok && s != "" {
			wb.CalcMode = models.CalcMode(s)
		}
	}
	if v, ok := b.meta.Get(keyActiveSheet); ok {
		if f, ok := v.(float64); ok {
			wb.ActiveSheet = int(f)
		}
	}
	for _, item := range b.order.Slice() {
		id, ok := item.(string)
		if !ok {
			continue
		}
		sm, ok := b.sheets.GetMap(id)
		if !ok {
			b.logger.Warn("sync: sheet in order but missing from sheets container", "sheet", id)
			continue
		}
		wb.AddSheet(readSheet(id, sm, b.logger))
	}
	// Sheets present in the container but absent from the order land at the
	// end rather than being dropped.
	for _, id := range b.sheets.Keys() {
		if wb.Sheet(id) != nil {
			continue
		}
		if sm, ok := b.sheets.GetMap(id); ok {
			wb.AddSheet(readSheet(id, sm, b.logger))
		}
	}
	if wb.ActiveSheet >= len(wb.Sheets) {
		wb.ActiveSheet = 0
	}
	b.wb = wb
}

// Connect hands the binding a transport and opens it.
func (b *Binding) Connect(t Transport) error {
	if b.destroyed {
		return nil
	}
	b.transport = t
	if err := t.Connect(); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	b.notifyConn(true)
	return nil
}

// Disconnect closes the transport, if any.
func (b *Binding) Disconnect() {
	if b.transport == nil {
		return
	}
	b.transport.Disconnect()
	b.notifyConn(false)
}

// IsConnected reports the transport state.
func (b *Binding) IsConnected() bool {
	return b.transport != nil && b.transport.Connected()
}

// OnConnectionStateChange registers a connection listener. Returns an
// unsubscribe func.
func (b *Binding) OnConnectionStateChange(fn func(connected bool)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	id := b.nextSubID
	b.connSubs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.connSubs, id)
	}
}

func (b *Binding) notifyConn(connected bool) {
	b.mu.Lock()
	subs := make([]func(bool), 0, len(b.connSubs))
	for _, fn := range b.connSubs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()
	for _, fn := range subs {
		b.safeCall(func() { fn(connected) })
	}
}

// OnRemoteChange registers a batch listener for observed changes. Returns an
// unsubscribe func.
func (b *Binding) OnRemoteChange(fn func([]Change)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	id := b.nextSubID
	b.changeSubs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.changeSubs, id)
	}
}

// queueChange appends to the pending batch and restarts the debounce timer.
// One timer slot: a queued flush is cancelled and rescheduled, never stacked.
func (b *Binding) queueChange(ch Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	b.pending = append(b.pending, ch)
	if b.flushTimer != nil {
		b.flushTimer.Stop()
	}
	b.flushTimer = time.AfterFunc(b.debounce, b.flush)
}

// flush delivers the pending batch to every listener. A listener panicking
// is logged and does not stop delivery to the rest or corrupt the queue.
// Delivery registers on the flushing group so Destroy can wait it out.
func (b *Binding) flush() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	b.flushTimer = nil
	if len(batch) == 0 {
		b.mu.Unlock()
		return
	}
	subs := make([]func([]Change), 0, len(b.changeSubs))
	for _, fn := range b.changeSubs {
		subs = append(subs, fn)
	}
	b.flushing.Add(1)
	b.mu.Unlock()
	defer b.flushing.Done()

	for _, fn := range subs {
		b.safeCall(func() { fn(batch) })
	}
}

func (b *Binding) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("sync: listener panicked", "err", r)
		}
	}()
	fn()
}

// Undo rolls back the most recent local edit. No-op when the stack is empty
// or the binding is destroyed.
func (b *Binding) Undo() {
	if b.destroyed {
		return
	}
	b.undo.Undo()
}

// Redo re-applies the most recently undone local edit.
func (b *Binding) Redo() {
	if b.destroyed {
		return
	}
	b.undo.Redo()
}

// CanUndo reports whether an undo step is available.
func (b *Binding) CanUndo() bool { return !b.destroyed && b.undo.CanUndo() }

// CanRedo reports whether a redo step is available.
func (b *Binding) CanRedo() bool { return !b.destroyed && b.undo.CanRedo() }

// Destroy detaches every observer, clears the undo manager, stops the batch
// timer and empties the listener registries. Idempotent; no callback fires
// after it returns.
func (b *Binding) Destroy() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}
	b.pending = nil
	b.changeSubs = map[int]func([]Change){}
	b.connSubs = map[int]func(bool){}
	b.mu.Unlock()

	// A flush already past its destroyed check may still be mid-delivery;
	// no listener fires after Destroy returns.
	b.flushing.Wait()

	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
	b.undo.Destroy()
	b.Disconnect()
}
