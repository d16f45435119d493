package docstate

import (
	"context"
	"math"
	"sync"
	"time"
)

// Host is the editor-side surface the engine drives. All accessors refer to
// the document identified by path; the host decides how to resolve it.
type Host interface {
	ActiveDocument() (string, bool)
	Cursor(path string) (*CursorRange, error)
	SetCursor(path string, cursor *CursorRange) error
	Scroll(path string) (float64, error)
	SetScroll(path string, offset float64) error
	ViewState(path string) (map[string]any, error)
	SetViewState(path string, state map[string]any) error
	ReadOnly(path string) (bool, error)
	SetReadOnly(path string, readOnly bool) error
	EffectActive() bool
	Notify(message string)
}

type StatusState string

const (
	StatusUnlocked  StatusState = "unlocked"
	StatusLocked    StatusState = "locked"
	StatusCorrupted StatusState = "corrupted"
)

// StatusListener receives status-indicator updates. Corrupted is a display
// overlay on locked; storage only ever records the protected flag.
type StatusListener func(path string, state StatusState)

const (
	defaultScrollRetryDelay = 100 * time.Millisecond
	defaultStartupRetryBase = 10 * time.Millisecond
	defaultStartupAttempts  = 5
	scrollRetryAttempts     = 4
)

type EngineOptions struct {
	Backend        Backend
	Documents      DocumentFS
	Host           Host
	Logger         Logger
	StatusListener StatusListener

	// LockModeDisabled turns off the protective-lock feature; persistence of
	// cursor/scroll/view state is unaffected.
	LockModeDisabled bool

	DebounceDelay    time.Duration
	ScrollRetryDelay time.Duration
	StartupRetryBase time.Duration
	StartupAttempts  int
}

// Engine holds all mutable plugin state for one host session: the last
// observed snapshot, the in-flight restoration, and the debounce timer. One
// instance per session; collaborators receive it explicitly.
type Engine struct {
	store     *RecordStore
	integrity *IntegrityChecker
	writer    *DebouncedWriter
	host      Host
	logger    Logger
	status    StatusListener
	lockMode  bool

	scrollRetryDelay time.Duration
	startupRetryBase time.Duration
	startupAttempts  int

	mu            sync.Mutex
	activePath    string
	pendingSettle string
	lastSnapshot  *StateRecord
	restoreDone   chan struct{}
	closed        bool
	closeOnce     sync.Once
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Backend == nil || opts.Host == nil {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = stdLogger{}
	}
	store, err := NewRecordStore(RecordStoreOptions{
		Backend:   opts.Backend,
		Documents: opts.Documents,
		Effect:    opts.Host.EffectActive,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	scrollRetryDelay := opts.ScrollRetryDelay
	if scrollRetryDelay <= 0 {
		scrollRetryDelay = defaultScrollRetryDelay
	}
	startupRetryBase := opts.StartupRetryBase
	if startupRetryBase <= 0 {
		startupRetryBase = defaultStartupRetryBase
	}
	startupAttempts := opts.StartupAttempts
	if startupAttempts <= 0 {
		startupAttempts = defaultStartupAttempts
	}
	e := &Engine{
		store:            store,
		integrity:        NewIntegrityChecker(opts.Documents),
		host:             opts.Host,
		logger:           logger,
		status:           opts.StatusListener,
		lockMode:         !opts.LockModeDisabled,
		scrollRetryDelay: scrollRetryDelay,
		startupRetryBase: startupRetryBase,
		startupAttempts:  startupAttempts,
	}
	e.writer = NewDebouncedWriter(opts.DebounceDelay, e.flushSave)
	return e, nil
}

// Store exposes the underlying record store for validation and CLI surfaces.
func (e *Engine) Store() *RecordStore {
	return e.store
}

// Close tears the engine down. A pending debounced save is dropped; saves are
// near-immediate and close paths already captured on change.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.pendingSettle = ""
		e.mu.Unlock()
		e.writer.Cancel()
	})
}

// HandleActivate records that a document became active. Restoration waits for
// the host's layout-settled signal; snapshots from the previous document are
// discarded immediately.
func (e *Engine) HandleActivate(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.activePath = path
	e.lastSnapshot = nil
	e.pendingSettle = path
}

// HandleLayoutSettled runs the pending restoration if the settle signal
// correlates to the awaited path; otherwise the cycle is abandoned without
// side effects (the user switched away before the layout stabilized).
func (e *Engine) HandleLayoutSettled(path string) {
	e.mu.Lock()
	if e.closed || e.pendingSettle != path {
		e.mu.Unlock()
		return
	}
	e.pendingSettle = ""
	done := make(chan struct{})
	e.restoreDone = done
	e.mu.Unlock()

	err := e.restore(path)
	e.finishRestore(done)
	if err != nil {
		e.logger.Printf("docstate: restore %s: %v", path, err)
	}
}

// RestoreOnStartup retries the whole read-and-apply sequence with exponential
// backoff until the host reports an active document. Never finding one is a
// silent no-op; repeated failures are surfaced to the user exactly once and
// the engine remains usable.
func (e *Engine) RestoreOnStartup(ctx context.Context) {
	delay := e.startupRetryBase
	var lastErr error
	for attempt := 0; attempt < e.startupAttempts; attempt++ {
		if attempt > 0 {
			if err := waitWithContext(ctx, delay); err != nil {
				return
			}
			delay *= 2
		}
		path, ok := e.host.ActiveDocument()
		if !ok {
			continue
		}
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		e.activePath = path
		e.lastSnapshot = nil
		e.pendingSettle = ""
		done := make(chan struct{})
		e.restoreDone = done
		e.mu.Unlock()

		err := e.restore(path)
		e.finishRestore(done)
		if err == nil {
			return
		}
		lastErr = err
	}
	if lastErr != nil {
		e.logger.Printf("docstate: startup restore failed: %v", lastErr)
		e.host.Notify("Could not restore editor state: " + lastErr.Error())
	}
}

func (e *Engine) finishRestore(done chan struct{}) {
	e.mu.Lock()
	if e.restoreDone == done {
		e.restoreDone = nil
	}
	e.mu.Unlock()
	close(done)
}

// restore reads the record for path and applies it back into the host: view
// state first, positional state after, because positions are meaningless until
// the view type is right.
func (e *Engine) restore(path string) error {
	record := e.store.Read(path)
	e.publishRecordStatus(path, record)
	if record == nil {
		return nil
	}
	if record.ViewState != nil {
		if err := e.host.SetViewState(path, record.ViewState); err != nil {
			return err
		}
	}
	if record.Cursor != nil {
		if err := e.host.SetCursor(path, record.Cursor); err != nil {
			return err
		}
	}
	if hasScroll(record) {
		if err := e.applyScroll(path, *record.Scroll); err != nil {
			return err
		}
	}
	e.mu.Lock()
	if e.activePath == path {
		e.lastSnapshot = CloneRecord(record)
	}
	e.mu.Unlock()
	return nil
}

// applyScroll verifies the host actually landed where it was told to and
// reapplies a bounded number of times. Residual drift is accepted silently.
func (e *Engine) applyScroll(path string, target float64) error {
	tolerance := math.Max(math.Abs(target)*0.02, 2)
	for attempt := 0; attempt < scrollRetryAttempts; attempt++ {
		if err := e.host.SetScroll(path, target); err != nil {
			return err
		}
		time.Sleep(e.scrollRetryDelay)
		actual, err := e.host.Scroll(path)
		if err != nil {
			return err
		}
		if math.Abs(actual-target) <= tolerance {
			return nil
		}
	}
	return nil
}

// HandleChange evaluates a change notification from the host: await any
// in-flight restoration (a save must never persist a half-restored snapshot),
// re-enforce lock mode opportunistically, then capture the fresh state and
// schedule a save unless it is empty or identical to the last snapshot.
func (e *Engine) HandleChange(path string) {
	e.awaitRestore()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	active := e.activePath
	last := e.lastSnapshot
	e.mu.Unlock()

	if e.lockMode {
		e.EnforceReadOnly(path)
	}

	fresh := e.captureState(path)
	if IsEmptyState(fresh) {
		return
	}
	if path == active && SameState(fresh, last) {
		return
	}
	if path == active {
		snapshot := CloneRecord(fresh)
		if last != nil {
			snapshot.Protected = last.Protected
			snapshot.Timestamp = last.Timestamp
		}
		e.mu.Lock()
		e.lastSnapshot = snapshot
		e.mu.Unlock()
	}
	e.writer.Schedule(path, fresh)
}

// HandleRename migrates the stored record when the host reports a document
// rename.
func (e *Engine) HandleRename(oldPath, newPath string) {
	e.store.Migrate(oldPath, newPath)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.activePath == oldPath {
		e.activePath = newPath
		if e.lastSnapshot != nil {
			setViewStateFile(e.lastSnapshot, newPath)
		}
	}
	if e.pendingSettle == oldPath {
		e.pendingSettle = newPath
	}
}

// HandleDelete removes the stored record when the host reports a document
// deletion.
func (e *Engine) HandleDelete(path string) {
	e.store.Remove(path)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.activePath == path {
		e.lastSnapshot = nil
	}
}

// HandleExternalModification re-verifies the integrity fingerprint after an
// out-of-band write, surfacing tampering on locked documents.
func (e *Engine) HandleExternalModification(path string) {
	if !e.lockMode {
		return
	}
	record := e.store.readForMerge(path)
	if record == nil || !record.Protected || record.Timestamp == nil {
		return
	}
	if !e.integrity.Verify(path, *record.Timestamp) {
		e.publishStatus(path, StatusCorrupted)
	}
}

// Toggle flips the protective lock for path. The status indicator updates
// before the persistence round trip so locking feels instantaneous; a failed
// fingerprint capture leaves the document locked with an unknown timestamp
// rather than aborting the toggle.
func (e *Engine) Toggle(path string) bool {
	e.awaitRestore()
	current := e.store.readForMerge(path)
	if current == nil {
		e.mu.Lock()
		if e.activePath == path && e.lastSnapshot != nil {
			current = CloneRecord(e.lastSnapshot)
		}
		e.mu.Unlock()
	}
	if current == nil {
		current = &StateRecord{}
	}
	next := CloneRecord(current)
	next.Protected = !current.Protected
	if next.Protected {
		fingerprint, err := e.integrity.Fingerprint(path)
		if err != nil {
			e.logger.Printf("docstate: lock %s: fingerprint: %v", path, err)
			next.Timestamp = nil
		} else {
			next.Timestamp = timestampPtr(fingerprint)
		}
	} else {
		next.Timestamp = nil
	}

	if next.Protected {
		e.publishStatus(path, StatusLocked)
	} else {
		e.publishStatus(path, StatusUnlocked)
	}
	e.store.Write(path, next)

	e.mu.Lock()
	if e.activePath == path {
		if e.lastSnapshot == nil {
			e.lastSnapshot = CloneRecord(next)
		} else {
			e.lastSnapshot.Protected = next.Protected
			e.lastSnapshot.Timestamp = next.Timestamp
		}
	}
	e.mu.Unlock()

	if next.Protected {
		e.EnforceReadOnly(path)
	} else {
		e.releaseReadOnly(path)
	}
	return next.Protected
}

// IsLocked reports the persisted protected flag; false when no record exists.
func (e *Engine) IsLocked(path string) bool {
	record := e.store.readForMerge(path)
	return record != nil && record.Protected
}

// EnforceReadOnly snaps the active document back to read-only presentation if
// its record is protected, preserving the user's cursor and scroll across the
// forced mode switch. It is invoked on every relevant event while lock mode is
// enabled, not just at toggle time, so an attempted edit cannot win the race.
func (e *Engine) EnforceReadOnly(path string) {
	if !e.lockMode {
		return
	}
	e.mu.Lock()
	active := e.activePath
	snapshot := e.lastSnapshot
	e.mu.Unlock()
	if active != path {
		return
	}
	locked := false
	if snapshot != nil {
		locked = snapshot.Protected
	} else if record := e.store.readForMerge(path); record != nil {
		locked = record.Protected
	}
	if !locked {
		return
	}
	readOnly, err := e.host.ReadOnly(path)
	if err != nil {
		e.logger.Printf("docstate: enforce %s: %v", path, err)
		return
	}
	if readOnly {
		return
	}
	cursor, _ := e.host.Cursor(path)
	scroll, scrollErr := e.host.Scroll(path)
	if err := e.host.SetReadOnly(path, true); err != nil {
		e.logger.Printf("docstate: enforce %s: %v", path, err)
		return
	}
	if cursor != nil {
		_ = e.host.SetCursor(path, cursor)
	}
	if scrollErr == nil {
		_ = e.host.SetScroll(path, scroll)
	}
	e.host.Notify("Lock mode: switched to read-only")
}

func (e *Engine) releaseReadOnly(path string) {
	e.mu.Lock()
	active := e.activePath
	e.mu.Unlock()
	if active != path {
		return
	}
	readOnly, err := e.host.ReadOnly(path)
	if err != nil || !readOnly {
		return
	}
	if err := e.host.SetReadOnly(path, false); err != nil {
		e.logger.Printf("docstate: unlock %s: %v", path, err)
	}
}

// captureState collects the host's current ephemeral state for path, rounding
// the scroll offset and stamping the owning path into the view-state payload.
func (e *Engine) captureState(path string) *StateRecord {
	record := &StateRecord{}
	if cursor, err := e.host.Cursor(path); err == nil && cursor != nil {
		record.Cursor = cursor
	}
	if scroll, err := e.host.Scroll(path); err == nil && scroll != 0 {
		record.Scroll = scrollPtr(RoundScroll(scroll))
	}
	if viewState, err := e.host.ViewState(path); err == nil && viewState != nil {
		record.ViewState = viewState
		setViewStateFile(record, path)
	}
	return record
}

// flushSave is the debounced write path: overlay the fresh capture onto the
// current lock fields and persist.
func (e *Engine) flushSave(path string, fresh *StateRecord) {
	e.mu.Lock()
	closed := e.closed
	last := e.lastSnapshot
	active := e.activePath
	e.mu.Unlock()
	if closed {
		return
	}
	var lastKnown *StateRecord
	if active == path {
		lastKnown = last
	}
	merged := e.store.MergeForSave(path, fresh, lastKnown)
	if merged == nil {
		return
	}
	e.store.Write(path, merged)
}

func (e *Engine) awaitRestore() {
	e.mu.Lock()
	done := e.restoreDone
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (e *Engine) publishRecordStatus(path string, record *StateRecord) {
	if !e.lockMode || e.status == nil {
		return
	}
	if record == nil || !record.Protected {
		e.publishStatus(path, StatusUnlocked)
		return
	}
	if record.Timestamp != nil && !e.integrity.Verify(path, *record.Timestamp) {
		e.publishStatus(path, StatusCorrupted)
		return
	}
	e.publishStatus(path, StatusLocked)
}

func (e *Engine) publishStatus(path string, state StatusState) {
	if e.status == nil {
		return
	}
	e.status(path, state)
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
