package docstate

import (
	"errors"
	"testing"
)

func TestFingerprintReturnsModTime(t *testing.T) {
	docs := newFakeDocuments()
	docs.set("notes/a.md", 1718000000123)
	checker := NewIntegrityChecker(docs)

	got, err := checker.Fingerprint("notes/a.md")
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if got != 1718000000123 {
		t.Fatalf("fingerprint = %d, want 1718000000123", got)
	}
}

func TestFingerprintPropagatesStatFailure(t *testing.T) {
	checker := NewIntegrityChecker(newFakeDocuments())
	if _, err := checker.Fingerprint("ghost.md"); err == nil {
		t.Fatal("missing document should fail fingerprint capture")
	}
}

func TestVerifyExactEqualityOnly(t *testing.T) {
	docs := newFakeDocuments()
	docs.set("notes/a.md", 5000)
	checker := NewIntegrityChecker(docs)

	if !checker.Verify("notes/a.md", 5000) {
		t.Fatal("matching fingerprint should verify")
	}
	if checker.Verify("notes/a.md", 5001) {
		t.Fatal("off-by-one fingerprint must not verify")
	}
}

func TestVerifyFalseOnStatFailure(t *testing.T) {
	docs := newFakeDocuments()
	docs.statErr = errors.New("device gone")
	checker := NewIntegrityChecker(docs)
	if checker.Verify("notes/a.md", 1) {
		t.Fatal("stat failure must read as mismatch")
	}
}
