package docstate

import (
	"encoding/json"
	"errors"
	"math"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

type Position struct {
	Line int `json:"line"`
	Col  int `json:"col"`
}

type CursorRange struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// StateRecord is the persisted per-document payload. Timestamp is the
// document's modification time in milliseconds captured when Protected was
// enabled; nil means unknown or unprotected.
type StateRecord struct {
	Cursor    *CursorRange   `json:"cursor,omitempty"`
	Scroll    *float64       `json:"scroll,omitempty"`
	ViewState map[string]any `json:"viewState,omitempty"`
	Protected bool           `json:"protected"`
	Timestamp *int64         `json:"timestamp"`
}

const viewStateFileField = "file"

// decodeRecord parses a stored payload. Records written by older versions may
// lack protected/timestamp or carry them with the wrong type; those fields are
// defaulted and the record reported dirty so the caller can persist the
// upgraded shape. Any other malformation fails the whole parse.
func decodeRecord(data []byte) (*StateRecord, bool, error) {
	var raw struct {
		Cursor    *CursorRange    `json:"cursor"`
		Scroll    *float64        `json:"scroll"`
		ViewState map[string]any  `json:"viewState"`
		Protected json.RawMessage `json:"protected"`
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false, err
	}
	record := &StateRecord{
		Cursor:    raw.Cursor,
		Scroll:    raw.Scroll,
		ViewState: raw.ViewState,
	}
	dirty := false
	if len(raw.Protected) == 0 {
		dirty = true
	} else if err := json.Unmarshal(raw.Protected, &record.Protected); err != nil {
		record.Protected = false
		dirty = true
	}
	if len(raw.Timestamp) == 0 {
		dirty = true
	} else if err := json.Unmarshal(raw.Timestamp, &record.Timestamp); err != nil {
		record.Timestamp = nil
		dirty = true
	}
	return record, dirty, nil
}

func encodeRecord(record *StateRecord) ([]byte, error) {
	if record == nil {
		return nil, ErrInvalidInput
	}
	return json.Marshal(record)
}

// viewStateFile extracts the owning-document path recorded inside the opaque
// view-state payload, if any.
func viewStateFile(record *StateRecord) (string, bool) {
	if record == nil || record.ViewState == nil {
		return "", false
	}
	value, ok := record.ViewState[viewStateFileField]
	if !ok {
		return "", false
	}
	path, ok := value.(string)
	return path, ok
}

func setViewStateFile(record *StateRecord, path string) {
	if record == nil || record.ViewState == nil {
		return
	}
	record.ViewState[viewStateFileField] = path
}

// CloneRecord deep-copies a record through its serialized form, so the copy
// shares nothing with the original view-state payload.
func CloneRecord(record *StateRecord) *StateRecord {
	if record == nil {
		return nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil
	}
	var clone StateRecord
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil
	}
	return &clone
}

// RoundScroll normalizes a captured scroll offset to 4 decimal places before
// it is compared or persisted.
func RoundScroll(value float64) float64 {
	return math.Round(value*10000) / 10000
}

func scrollPtr(value float64) *float64 {
	return &value
}

func timestampPtr(value int64) *int64 {
	return &value
}
