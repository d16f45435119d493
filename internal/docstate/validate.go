package docstate

import "encoding/json"

// ValidationReport summarizes a full pass over the storage root.
type ValidationReport struct {
	Total               int `json:"total"`
	FixedPaths          int `json:"fixedPaths"`
	RemovedMissingNote  int `json:"removedMissingNote"`
	RemovedInvalidEntry int `json:"removedInvalidEntry"`
	Errors              int `json:"errors"`
}

// ValidateAll enumerates every stored record and repairs or removes what it
// can: unparsable or schema-invalid payloads and records without a recoverable
// owning path are deleted, structural drift is rewritten in place, and records
// whose owning document no longer exists are dropped. Per-record failures are
// counted and never abort the pass.
func (s *RecordStore) ValidateAll() ValidationReport {
	report := ValidationReport{}
	keys, err := s.backend.Keys()
	if err != nil {
		s.logger.Printf("docstate: validate: list records: %v", err)
		report.Errors++
		return report
	}
	for _, key := range keys {
		report.Total++
		if err := s.validateOne(key, &report); err != nil {
			s.logger.Printf("docstate: validate %s: %v", key, err)
			report.Errors++
		}
	}
	return report
}

func (s *RecordStore) validateOne(key string, report *ValidationReport) error {
	payload, found, err := s.backend.Load(key)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		report.RemovedInvalidEntry++
		return s.backend.Delete(key)
	}
	if err := validateRecordPayload(decoded); err != nil {
		report.RemovedInvalidEntry++
		return s.backend.Delete(key)
	}
	record, dirty, err := decodeRecord(payload)
	if err != nil {
		report.RemovedInvalidEntry++
		return s.backend.Delete(key)
	}

	// viewState.file is the only correlation back to the owning document; a
	// record without it cannot be validated or restored and is dead weight.
	owningPath, ok := viewStateFile(record)
	if !ok || owningPath == "" {
		report.RemovedInvalidEntry++
		return s.backend.Delete(key)
	}

	if dirty {
		encoded, err := encodeRecord(record)
		if err != nil {
			return err
		}
		if err := s.backend.Save(key, encoded); err != nil {
			return err
		}
		report.FixedPaths++
	}

	if s.documents == nil {
		return nil
	}
	exists, err := s.documents.Exists(owningPath)
	if err != nil {
		return err
	}
	if !exists {
		report.RemovedMissingNote++
		return s.backend.Delete(key)
	}
	return nil
}
