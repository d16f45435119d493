package docstate

import (
	"sync"
	"testing"
	"time"
)

type flushRecorder struct {
	mu      sync.Mutex
	calls   []string
	records []*StateRecord
}

func (r *flushRecorder) flush(path string, record *StateRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, path)
	r.records = append(r.records, record)
}

func (r *flushRecorder) snapshot() ([]string, []*StateRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...), append([]*StateRecord(nil), r.records...)
}

func TestDebouncedWriterCoalescesBurst(t *testing.T) {
	recorder := &flushRecorder{}
	writer := NewDebouncedWriter(20*time.Millisecond, recorder.flush)

	s1 := &StateRecord{Scroll: scrollPtr(1)}
	s2 := &StateRecord{Scroll: scrollPtr(2)}
	s3 := &StateRecord{Scroll: scrollPtr(3)}
	writer.Schedule("notes/a.md", s1)
	writer.Schedule("notes/a.md", s2)
	writer.Schedule("notes/a.md", s3)

	time.Sleep(80 * time.Millisecond)
	calls, records := recorder.snapshot()
	if len(calls) != 1 {
		t.Fatalf("flush calls = %d, want exactly 1", len(calls))
	}
	if records[0] != s3 {
		t.Fatalf("flushed record = %+v, want the last scheduled payload", records[0])
	}
}

func TestDebouncedWriterLaterPathReplacesEarlier(t *testing.T) {
	recorder := &flushRecorder{}
	writer := NewDebouncedWriter(20*time.Millisecond, recorder.flush)

	writer.Schedule("old.md", &StateRecord{Scroll: scrollPtr(1)})
	writer.Schedule("new.md", &StateRecord{Scroll: scrollPtr(2)})

	time.Sleep(80 * time.Millisecond)
	calls, _ := recorder.snapshot()
	if len(calls) != 1 || calls[0] != "new.md" {
		t.Fatalf("flush calls = %v, want a single write for new.md", calls)
	}
}

func TestDebouncedWriterCancelDropsPendingWrite(t *testing.T) {
	recorder := &flushRecorder{}
	writer := NewDebouncedWriter(20*time.Millisecond, recorder.flush)

	writer.Schedule("notes/a.md", &StateRecord{Scroll: scrollPtr(1)})
	writer.Cancel()

	time.Sleep(80 * time.Millisecond)
	calls, _ := recorder.snapshot()
	if len(calls) != 0 {
		t.Fatalf("flush calls = %v, cancel should drop the pending write", calls)
	}
}

func TestDebouncedWriterNilReceiverIsSafe(t *testing.T) {
	var writer *DebouncedWriter
	writer.Schedule("notes/a.md", &StateRecord{})
	writer.Cancel()
}

func TestDebouncedWriterFiresAgainAfterFlush(t *testing.T) {
	recorder := &flushRecorder{}
	writer := NewDebouncedWriter(10*time.Millisecond, recorder.flush)

	writer.Schedule("notes/a.md", &StateRecord{Scroll: scrollPtr(1)})
	time.Sleep(50 * time.Millisecond)
	writer.Schedule("notes/a.md", &StateRecord{Scroll: scrollPtr(2)})
	time.Sleep(50 * time.Millisecond)

	calls, _ := recorder.snapshot()
	if len(calls) != 2 {
		t.Fatalf("flush calls = %d, want one per settled burst", len(calls))
	}
}
