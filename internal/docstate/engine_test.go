package docstate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeHost struct {
	mu        sync.Mutex
	active    string
	hasActive bool
	cursor    map[string]*CursorRange
	scroll    map[string]float64
	viewState map[string]map[string]any
	readOnly  map[string]bool
	effect    bool
	notices   []string

	// scrollReports, when non-empty, is drained one value per Scroll call
	// before falling back to the stored offset. Lets a test simulate a layout
	// that keeps drifting after SetScroll.
	scrollReports  []float64
	setScrollCalls int
	viewStateErr   error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		cursor:    map[string]*CursorRange{},
		scroll:    map[string]float64{},
		viewState: map[string]map[string]any{},
		readOnly:  map[string]bool{},
	}
}

func (h *fakeHost) activate(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = path
	h.hasActive = true
}

func (h *fakeHost) ActiveDocument() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active, h.hasActive
}

func (h *fakeHost) Cursor(path string) (*CursorRange, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor[path], nil
}

func (h *fakeHost) SetCursor(path string, cursor *CursorRange) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cursor[path] = cursor
	return nil
}

func (h *fakeHost) Scroll(path string) (float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.scrollReports) > 0 {
		next := h.scrollReports[0]
		h.scrollReports = h.scrollReports[1:]
		return next, nil
	}
	return h.scroll[path], nil
}

func (h *fakeHost) SetScroll(path string, offset float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setScrollCalls++
	h.scroll[path] = offset
	return nil
}

func (h *fakeHost) ViewState(path string) (map[string]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.viewState[path], nil
}

func (h *fakeHost) SetViewState(path string, state map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.viewStateErr != nil {
		return h.viewStateErr
	}
	h.viewState[path] = state
	return nil
}

func (h *fakeHost) ReadOnly(path string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readOnly[path], nil
}

func (h *fakeHost) SetReadOnly(path string, readOnly bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readOnly[path] = readOnly
	return nil
}

func (h *fakeHost) EffectActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.effect
}

func (h *fakeHost) Notify(message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notices = append(h.notices, message)
}

func (h *fakeHost) noticeList() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.notices...)
}

type statusCollector struct {
	mu     sync.Mutex
	states []StatusState
	paths  []string
}

func (c *statusCollector) listen(path string, state StatusState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = append(c.paths, path)
	c.states = append(c.states, state)
}

func (c *statusCollector) last() (StatusState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.states) == 0 {
		return "", false
	}
	return c.states[len(c.states)-1], true
}

type engineFixture struct {
	engine  *Engine
	host    *fakeHost
	backend *InMemoryBackend
	docs    *fakeDocuments
	status  *statusCollector
}

func newEngineFixture(t *testing.T, mutate func(*EngineOptions)) *engineFixture {
	t.Helper()
	host := newFakeHost()
	backend := NewInMemoryBackend()
	docs := newFakeDocuments()
	status := &statusCollector{}
	opts := EngineOptions{
		Backend:          backend,
		Documents:        docs,
		Host:             host,
		Logger:           &recordingLogger{},
		StatusListener:   status.listen,
		DebounceDelay:    10 * time.Millisecond,
		ScrollRetryDelay: time.Millisecond,
		StartupRetryBase: time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	engine, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(engine.Close)
	return &engineFixture{engine: engine, host: host, backend: backend, docs: docs, status: status}
}

func waitForStoredRecord(t *testing.T, store *RecordStore, path string) *StateRecord {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if record := store.readForMerge(path); record != nil {
			return record
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no record persisted for %s", path)
	return nil
}

func TestRestoreAppliesStoredState(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.docs.set("notes/a.md", 1000)
	f.engine.Store().Write("notes/a.md", &StateRecord{
		Cursor:    &CursorRange{Start: Position{Line: 7, Col: 2}, End: Position{Line: 7, Col: 9}},
		Scroll:    scrollPtr(240),
		ViewState: map[string]any{"type": "markdown", "file": "notes/a.md"},
	})

	f.host.activate("notes/a.md")
	f.engine.HandleActivate("notes/a.md")
	f.engine.HandleLayoutSettled("notes/a.md")

	if f.host.cursor["notes/a.md"] == nil || f.host.cursor["notes/a.md"].Start.Line != 7 {
		t.Fatalf("cursor not restored: %+v", f.host.cursor["notes/a.md"])
	}
	if got := f.host.scroll["notes/a.md"]; got != 240 {
		t.Fatalf("scroll = %v, want 240", got)
	}
	if f.host.viewState["notes/a.md"] == nil {
		t.Fatal("view state not restored")
	}
	if state, ok := f.status.last(); !ok || state != StatusUnlocked {
		t.Fatalf("status = %v ok=%v, want unlocked", state, ok)
	}
}

func TestLayoutSettledForOtherPathAbandonsCycle(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.engine.Store().Write("notes/a.md", &StateRecord{Scroll: scrollPtr(100)})

	f.engine.HandleActivate("notes/a.md")
	f.engine.HandleLayoutSettled("notes/b.md")

	if got := f.host.scroll["notes/a.md"]; got != 0 {
		t.Fatalf("mismatched settle must not restore, scroll = %v", got)
	}
}

func TestScrollVerificationRetriesUntilWithinTolerance(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.engine.Store().Write("notes/a.md", &StateRecord{Scroll: scrollPtr(1000)})
	// Tolerance at 1000 is 20; first two reads land way off, the third is
	// close enough.
	f.host.scrollReports = []float64{0, 400, 995}

	f.host.activate("notes/a.md")
	f.engine.HandleActivate("notes/a.md")
	f.engine.HandleLayoutSettled("notes/a.md")

	f.host.mu.Lock()
	calls := f.host.setScrollCalls
	f.host.mu.Unlock()
	if calls != 3 {
		t.Fatalf("SetScroll calls = %d, want 3 (reapplied until verified)", calls)
	}
}

func TestScrollVerificationGivesUpSilently(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.engine.Store().Write("notes/a.md", &StateRecord{Scroll: scrollPtr(1000)})
	f.host.scrollReports = []float64{0, 0, 0, 0, 0, 0}

	f.host.activate("notes/a.md")
	f.engine.HandleActivate("notes/a.md")
	f.engine.HandleLayoutSettled("notes/a.md")

	f.host.mu.Lock()
	calls := f.host.setScrollCalls
	f.host.mu.Unlock()
	if calls != 4 {
		t.Fatalf("SetScroll calls = %d, want exactly 4 attempts", calls)
	}
	if notices := f.host.noticeList(); len(notices) != 0 {
		t.Fatalf("residual drift must stay silent, notices = %v", notices)
	}
}

func TestChangePersistsStateThroughDebounce(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.host.activate("notes/a.md")
	f.host.cursor["notes/a.md"] = &CursorRange{Start: Position{Line: 3, Col: 1}, End: Position{Line: 3, Col: 1}}
	f.host.scroll["notes/a.md"] = 55.5
	f.host.viewState["notes/a.md"] = map[string]any{"type": "markdown"}

	f.engine.HandleActivate("notes/a.md")
	f.engine.HandleLayoutSettled("notes/a.md")
	f.engine.HandleChange("notes/a.md")

	record := waitForStoredRecord(t, f.engine.Store(), "notes/a.md")
	if record.Cursor == nil || record.Cursor.Start.Line != 3 {
		t.Fatalf("cursor not persisted: %+v", record)
	}
	if record.Scroll == nil || *record.Scroll != 55.5 {
		t.Fatalf("scroll not persisted: %+v", record)
	}
	if file, _ := viewStateFile(record); file != "notes/a.md" {
		t.Fatalf("owning path not stamped: %+v", record.ViewState)
	}
}

func TestChangeWithEmptyStateIsSuppressed(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.host.activate("empty.md")
	f.engine.HandleActivate("empty.md")
	f.engine.HandleLayoutSettled("empty.md")

	f.engine.HandleChange("empty.md")
	time.Sleep(50 * time.Millisecond)
	if record := f.engine.Store().readForMerge("empty.md"); record != nil {
		t.Fatalf("empty capture must not be written: %+v", record)
	}
}

func TestChangeIdenticalToLastSnapshotIsSuppressed(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.docs.set("notes/a.md", 1000)
	f.engine.Store().Write("notes/a.md", &StateRecord{Scroll: scrollPtr(55.5)})
	f.host.activate("notes/a.md")
	f.host.scroll["notes/a.md"] = 55.5

	f.engine.HandleActivate("notes/a.md")
	f.engine.HandleLayoutSettled("notes/a.md")

	// The capture equals the restored snapshot; delete the stored record so a
	// redundant save would be observable.
	f.backend.Delete(DeriveKey("notes/a.md"))
	f.engine.HandleChange("notes/a.md")
	time.Sleep(50 * time.Millisecond)
	if record := f.engine.Store().readForMerge("notes/a.md"); record != nil {
		t.Fatalf("unchanged state must not schedule a save: %+v", record)
	}
}

func TestToggleLocksWithFingerprint(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.docs.set("notes/a.md", 123456)
	f.host.activate("notes/a.md")
	f.engine.HandleActivate("notes/a.md")

	if locked := f.engine.Toggle("notes/a.md"); !locked {
		t.Fatal("first toggle should lock")
	}
	record := f.engine.Store().readForMerge("notes/a.md")
	if record == nil || !record.Protected {
		t.Fatalf("lock not persisted: %+v", record)
	}
	if record.Timestamp == nil || *record.Timestamp != 123456 {
		t.Fatalf("fingerprint = %v, want 123456", record.Timestamp)
	}
	if !f.engine.IsLocked("notes/a.md") {
		t.Fatal("IsLocked should report true")
	}
	if state, _ := f.status.last(); state != StatusLocked {
		t.Fatalf("status = %v, want locked", state)
	}
	if !f.host.readOnly["notes/a.md"] {
		t.Fatal("locking should force read-only")
	}

	if locked := f.engine.Toggle("notes/a.md"); locked {
		t.Fatal("second toggle should unlock")
	}
	record = f.engine.Store().readForMerge("notes/a.md")
	if record == nil || record.Protected || record.Timestamp != nil {
		t.Fatalf("unlock not persisted: %+v", record)
	}
	if f.host.readOnly["notes/a.md"] {
		t.Fatal("unlocking should release read-only")
	}
}

func TestToggleLocksDespiteFingerprintFailure(t *testing.T) {
	f := newEngineFixture(t, nil)
	// Document never registered with the fake FS: ModTime fails.
	if locked := f.engine.Toggle("ghost.md"); !locked {
		t.Fatal("fingerprint failure must not abort the lock")
	}
	record := f.engine.Store().readForMerge("ghost.md")
	if record == nil || !record.Protected || record.Timestamp != nil {
		t.Fatalf("want locked with unknown timestamp, got %+v", record)
	}
}

func TestRoutineSavePreservesLockFields(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.docs.set("notes/a.md", 5000)
	f.host.activate("notes/a.md")
	f.engine.HandleActivate("notes/a.md")
	f.engine.Toggle("notes/a.md")

	f.host.readOnly["notes/a.md"] = false
	f.host.scroll["notes/a.md"] = 88
	f.engine.HandleChange("notes/a.md")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		record := f.engine.Store().readForMerge("notes/a.md")
		if record != nil && record.Scroll != nil && *record.Scroll == 88 {
			if !record.Protected || record.Timestamp == nil || *record.Timestamp != 5000 {
				t.Fatalf("debounced save clobbered lock fields: %+v", record)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("debounced save never landed")
}

func TestRestoreOnStartupSilentWithoutActiveDocument(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.engine.RestoreOnStartup(context.Background())
	if notices := f.host.noticeList(); len(notices) != 0 {
		t.Fatalf("no active document should be silent, notices = %v", notices)
	}
}

func TestRestoreOnStartupSurfacesRepeatedFailureOnce(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.host.activate("notes/a.md")
	f.host.viewStateErr = errors.New("pane not ready")
	f.engine.Store().Write("notes/a.md", &StateRecord{ViewState: map[string]any{"file": "notes/a.md"}})

	f.engine.RestoreOnStartup(context.Background())

	notices := f.host.noticeList()
	if len(notices) != 1 {
		t.Fatalf("notices = %v, want exactly one failure notice", notices)
	}
	if !strings.Contains(notices[0], "pane not ready") {
		t.Fatalf("notice should carry the underlying error: %q", notices[0])
	}
}

func TestRestoreOnStartupRecoversWhenDocumentAppearsLate(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.engine.Store().Write("notes/a.md", &StateRecord{Scroll: scrollPtr(30)})

	go func() {
		time.Sleep(2 * time.Millisecond)
		f.host.activate("notes/a.md")
	}()
	f.engine.RestoreOnStartup(context.Background())

	f.host.mu.Lock()
	got := f.host.scroll["notes/a.md"]
	f.host.mu.Unlock()
	if got != 30 {
		t.Fatalf("late-appearing document not restored, scroll = %v", got)
	}
}

func TestHandleRenameFollowsActiveDocument(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.host.activate("old.md")
	f.host.scroll["old.md"] = 10
	f.host.viewState["old.md"] = map[string]any{"type": "markdown"}
	f.engine.HandleActivate("old.md")
	f.engine.HandleLayoutSettled("old.md")
	f.engine.HandleChange("old.md")
	waitForStoredRecord(t, f.engine.Store(), "old.md")

	f.engine.HandleRename("old.md", "new.md")

	if record := f.engine.Store().readForMerge("old.md"); record != nil {
		t.Fatal("record should be gone from old path")
	}
	record := f.engine.Store().readForMerge("new.md")
	if record == nil {
		t.Fatal("record missing at new path")
	}
	if file, _ := viewStateFile(record); file != "new.md" {
		t.Fatalf("owning path not rewritten: %q", file)
	}
}

func TestHandleDeleteDropsRecord(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.engine.Store().Write("doomed.md", &StateRecord{Scroll: scrollPtr(1)})
	f.engine.HandleDelete("doomed.md")
	if record := f.engine.Store().readForMerge("doomed.md"); record != nil {
		t.Fatal("record should be deleted")
	}
}

func TestExternalModificationOfLockedDocumentMarksCorrupted(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.docs.set("notes/a.md", 1000)
	f.engine.Toggle("notes/a.md")

	f.docs.set("notes/a.md", 2000)
	f.engine.HandleExternalModification("notes/a.md")

	if state, _ := f.status.last(); state != StatusCorrupted {
		t.Fatalf("status = %v, want corrupted", state)
	}
}

func TestExternalModificationOfUnlockedDocumentIsIgnored(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.docs.set("notes/a.md", 1000)
	f.engine.Store().Write("notes/a.md", &StateRecord{Scroll: scrollPtr(1)})

	f.docs.set("notes/a.md", 2000)
	f.engine.HandleExternalModification("notes/a.md")

	if state, ok := f.status.last(); ok && state == StatusCorrupted {
		t.Fatal("unlocked documents have no fingerprint to violate")
	}
}

func TestRestoreOfTamperedLockedRecordPublishesCorrupted(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.docs.set("notes/a.md", 2000)
	f.engine.Store().Write("notes/a.md", &StateRecord{
		Scroll:    scrollPtr(10),
		Protected: true,
		Timestamp: timestampPtr(1000),
	})

	f.host.activate("notes/a.md")
	f.engine.HandleActivate("notes/a.md")
	f.engine.HandleLayoutSettled("notes/a.md")

	if state, _ := f.status.last(); state != StatusCorrupted {
		t.Fatalf("status = %v, want corrupted overlay", state)
	}
	if record := f.engine.Store().readForMerge("notes/a.md"); !record.Protected {
		t.Fatal("corrupted is display-only, the stored flag must stay protected")
	}
}

func TestEnforceReadOnlyPreservesPositionAndNotifies(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.docs.set("notes/a.md", 1000)
	f.host.activate("notes/a.md")
	f.engine.HandleActivate("notes/a.md")
	f.engine.Toggle("notes/a.md")

	// Simulate the host flipping the document editable again behind our back.
	f.host.mu.Lock()
	f.host.readOnly["notes/a.md"] = false
	f.host.cursor["notes/a.md"] = &CursorRange{Start: Position{Line: 12, Col: 4}, End: Position{Line: 12, Col: 4}}
	f.host.scroll["notes/a.md"] = 77
	f.host.notices = nil
	f.host.mu.Unlock()

	f.engine.EnforceReadOnly("notes/a.md")

	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	if !f.host.readOnly["notes/a.md"] {
		t.Fatal("document should be read-only again")
	}
	if f.host.cursor["notes/a.md"].Start.Line != 12 || f.host.scroll["notes/a.md"] != 77 {
		t.Fatal("cursor and scroll must survive the mode switch")
	}
	if len(f.host.notices) != 1 || !strings.Contains(f.host.notices[0], "read-only") {
		t.Fatalf("notices = %v, want a single read-only notice", f.host.notices)
	}
}

func TestEnforceReadOnlySkipsWhenAlreadyReadOnly(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.docs.set("notes/a.md", 1000)
	f.host.activate("notes/a.md")
	f.engine.HandleActivate("notes/a.md")
	f.engine.Toggle("notes/a.md")

	f.host.mu.Lock()
	f.host.notices = nil
	f.host.mu.Unlock()
	f.engine.EnforceReadOnly("notes/a.md")
	if notices := f.host.noticeList(); len(notices) != 0 {
		t.Fatalf("already read-only must be a no-op, notices = %v", notices)
	}
}

func TestLockModeDisabledSkipsEnforcementAndStatus(t *testing.T) {
	f := newEngineFixture(t, func(opts *EngineOptions) {
		opts.LockModeDisabled = true
	})
	f.docs.set("notes/a.md", 1000)
	f.engine.Store().Write("notes/a.md", &StateRecord{Protected: true, Timestamp: timestampPtr(1)})
	f.host.activate("notes/a.md")
	f.engine.HandleActivate("notes/a.md")

	f.engine.EnforceReadOnly("notes/a.md")
	if f.host.readOnly["notes/a.md"] {
		t.Fatal("disabled lock mode must not force read-only")
	}
	f.engine.HandleExternalModification("notes/a.md")
	if _, ok := f.status.last(); ok {
		t.Fatal("disabled lock mode must not publish status")
	}
}

func TestCloseDropsPendingSave(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.host.activate("notes/a.md")
	f.host.scroll["notes/a.md"] = 42
	f.engine.HandleActivate("notes/a.md")
	f.engine.HandleLayoutSettled("notes/a.md")
	f.engine.HandleChange("notes/a.md")
	f.engine.Close()

	time.Sleep(50 * time.Millisecond)
	if record := f.engine.Store().readForMerge("notes/a.md"); record != nil {
		t.Fatalf("pending save should be cancelled on close: %+v", record)
	}
}
