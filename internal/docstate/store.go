package docstate

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Logger is the minimal logging surface the engine accepts.
type Logger interface {
	Printf(format string, args ...any)
}

type stdLogger struct{}

func (stdLogger) Printf(format string, args ...any) {
	log.Printf(format, args...)
}

// Backend stores raw record payloads addressed by derived key.
type Backend interface {
	Load(key string) ([]byte, bool, error)
	Save(key string, payload []byte) error
	Delete(key string) error
	Keys() ([]string, error)
	Close() error
}

// DocumentFS exposes the host's document tree as far as the engine needs it:
// existence checks for validation and modification times for integrity
// fingerprints. Times are milliseconds since the Unix epoch.
type DocumentFS interface {
	Exists(path string) (bool, error)
	ModTime(path string) (int64, error)
}

// EffectQuery reports whether the host has a transient visual effect in
// progress; reads are suppressed while it does.
type EffectQuery func() bool

const recordFileSuffix = ".json"

type FilesystemBackend struct {
	root string
}

func NewFilesystemBackend(root string) (*FilesystemBackend, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	return &FilesystemBackend{root: filepath.Clean(root)}, nil
}

func (b *FilesystemBackend) Load(key string) ([]byte, bool, error) {
	if b == nil || key == "" {
		return nil, false, nil
	}
	data, err := os.ReadFile(b.recordPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (b *FilesystemBackend) Save(key string, payload []byte) error {
	if b == nil || key == "" {
		return ErrInvalidInput
	}
	if err := os.MkdirAll(b.root, 0o755); err != nil {
		return err
	}
	return writeFileAtomic(b.recordPath(key), payload, 0o644)
}

func (b *FilesystemBackend) Delete(key string) error {
	if b == nil || key == "" {
		return nil
	}
	err := os.Remove(b.recordPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (b *FilesystemBackend) Keys() ([]string, error) {
	if b == nil {
		return nil, nil
	}
	entries, err := os.ReadDir(b.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordFileSuffix) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(entry.Name(), recordFileSuffix))
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *FilesystemBackend) Close() error {
	return nil
}

func (b *FilesystemBackend) recordPath(key string) string {
	return filepath.Join(b.root, key+recordFileSuffix)
}

type InMemoryBackend struct {
	mu      sync.Mutex
	records map[string][]byte
}

func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{records: map[string][]byte{}}
}

func (b *InMemoryBackend) Load(key string) ([]byte, bool, error) {
	if b == nil {
		return nil, false, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	payload, ok := b.records[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, true, nil
}

func (b *InMemoryBackend) Save(key string, payload []byte) error {
	if b == nil || key == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	stored := make([]byte, len(payload))
	copy(stored, payload)
	b.records[key] = stored
	return nil
}

func (b *InMemoryBackend) Delete(key string) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, key)
	return nil
}

func (b *InMemoryBackend) Keys() ([]string, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.records))
	for key := range b.records {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *InMemoryBackend) Close() error {
	return nil
}

// RecordStore owns the mapping between document paths and persisted records.
// Every operation is best-effort from the caller's perspective: storage
// failures are logged and converted to safe defaults, never propagated.
type RecordStore struct {
	backend   Backend
	documents DocumentFS
	effect    EffectQuery
	logger    Logger
}

type RecordStoreOptions struct {
	Backend   Backend
	Documents DocumentFS
	Effect    EffectQuery
	Logger    Logger
}

func NewRecordStore(opts RecordStoreOptions) (*RecordStore, error) {
	if opts.Backend == nil {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = stdLogger{}
	}
	effect := opts.Effect
	if effect == nil {
		effect = func() bool { return false }
	}
	return &RecordStore{
		backend:   opts.Backend,
		documents: opts.Documents,
		effect:    effect,
		logger:    logger,
	}, nil
}

// Read returns the record for path, or nil when absent, unparsable, or
// suppressed by a transient visual effect. A stale viewState.file is corrected
// and written back before the record is returned; a record upgraded only by
// default filling is persisted in the new shape unless an effect is active.
func (s *RecordStore) Read(path string) *StateRecord {
	record, pathFixed, dirty := s.readInternal(path)
	if record == nil {
		return nil
	}
	key := DeriveKey(path)
	if pathFixed {
		s.saveRecord(key, record)
		return record
	}
	if s.effect() {
		return nil
	}
	if dirty {
		s.saveRecord(key, record)
	}
	return record
}

// readForMerge bypasses the transient-effect carve-out; the merge-on-save path
// must always see current lock fields, animation or not.
func (s *RecordStore) readForMerge(path string) *StateRecord {
	record, _, _ := s.readInternal(path)
	return record
}

func (s *RecordStore) readInternal(path string) (record *StateRecord, pathFixed, dirty bool) {
	key := DeriveKey(path)
	payload, found, err := s.backend.Load(key)
	if err != nil {
		s.logger.Printf("docstate: read %s: %v", path, err)
		return nil, false, false
	}
	if !found {
		return nil, false, false
	}
	record, dirty, err = decodeRecord(payload)
	if err != nil {
		return nil, false, false
	}
	if file, ok := viewStateFile(record); ok && file != path {
		setViewStateFile(record, path)
		pathFixed = true
	}
	return record, pathFixed, dirty
}

// Write persists a full record for path, overwriting any previous payload.
func (s *RecordStore) Write(path string, record *StateRecord) {
	if record == nil {
		return
	}
	s.saveRecord(DeriveKey(path), record)
}

// Migrate relocates the record stored for oldPath under newPath, rewriting the
// embedded owning-document path along the way. No-op when nothing exists.
func (s *RecordStore) Migrate(oldPath, newPath string) {
	record, _, _ := s.readInternal(oldPath)
	if record == nil {
		return
	}
	setViewStateFile(record, newPath)
	s.saveRecord(DeriveKey(newPath), record)
	if err := s.backend.Delete(DeriveKey(oldPath)); err != nil {
		s.logger.Printf("docstate: migrate %s -> %s: %v", oldPath, newPath, err)
	}
}

// Remove deletes the record for path if present.
func (s *RecordStore) Remove(path string) {
	if err := s.backend.Delete(DeriveKey(path)); err != nil {
		s.logger.Printf("docstate: remove %s: %v", path, err)
	}
}

// MergeForSave overlays a freshly captured snapshot onto the lock fields of the
// record already on disk, so routine cursor/scroll saves can never clobber a
// concurrent lock write. lastKnown is the in-memory fallback when no persisted
// record exists yet.
func (s *RecordStore) MergeForSave(path string, fresh, lastKnown *StateRecord) *StateRecord {
	merged := CloneRecord(fresh)
	if merged == nil {
		return nil
	}
	base := s.readForMerge(path)
	if base == nil {
		base = lastKnown
	}
	if base != nil {
		merged.Protected = base.Protected
		merged.Timestamp = base.Timestamp
	}
	return merged
}

func (s *RecordStore) saveRecord(key string, record *StateRecord) {
	payload, err := encodeRecord(record)
	if err != nil {
		s.logger.Printf("docstate: encode %s: %v", key, err)
		return
	}
	if err := s.backend.Save(key, payload); err != nil {
		s.logger.Printf("docstate: save %s: %v", key, err)
	}
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

// OSDocumentFS resolves document paths against a vault root on the local
// filesystem.
type OSDocumentFS struct {
	Root string
}

func (fs OSDocumentFS) Exists(path string) (bool, error) {
	_, err := os.Stat(fs.resolve(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (fs OSDocumentFS) ModTime(path string) (int64, error) {
	info, err := os.Stat(fs.resolve(path))
	if err != nil {
		return 0, err
	}
	return info.ModTime().UnixMilli(), nil
}

func (fs OSDocumentFS) resolve(path string) string {
	if fs.Root == "" {
		return filepath.FromSlash(path)
	}
	return filepath.Join(fs.Root, filepath.FromSlash(path))
}
