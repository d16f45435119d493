package docstate

// IntegrityChecker detects out-of-band modification by comparing a recorded
// modification-time fingerprint against the live one. It is a coarse detector:
// a touch without a content change reads as tampering, and a content change
// that preserves the modification time goes unseen.
type IntegrityChecker struct {
	documents DocumentFS
}

func NewIntegrityChecker(documents DocumentFS) *IntegrityChecker {
	return &IntegrityChecker{documents: documents}
}

// Fingerprint returns the document's modification time in milliseconds. Stat
// failures propagate; the caller decides the fallback.
func (c *IntegrityChecker) Fingerprint(path string) (int64, error) {
	if c == nil || c.documents == nil {
		return 0, ErrInvalidInput
	}
	return c.documents.ModTime(path)
}

// Verify compares the live fingerprint against expected for exact equality.
// Any difference, including a failed stat, reads as a mismatch.
func (c *IntegrityChecker) Verify(path string, expected int64) bool {
	current, err := c.Fingerprint(path)
	if err != nil {
		return false
	}
	return current == expected
}
