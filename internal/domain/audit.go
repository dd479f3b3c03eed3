package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// ChainSentinel is the previous_hash of the first audit record.
var ChainSentinel = strings.Repeat("0", 64)

// AuditTimeLayout is the canonical timestamp form hashed into the chain.
// Fixed-width microseconds so a record read back from the database hashes
// to the same value it was written with.
const AuditTimeLayout = "2006-01-02T15:04:05.000000Z"

// AuditOutcome enumerates audit event outcomes.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeFailure AuditOutcome = "failure"
	OutcomeDenied  AuditOutcome = "denied"
	OutcomeError   AuditOutcome = "error"
)

// AuditEvent is what callers hand to the audit log. The store assigns
// sequence number, hashes and event id.
type AuditEvent struct {
	Action        string
	ResourceType  string
	ResourceID    string
	UserID        string
	UserEmail     string
	UserRole      string
	Agency        string
	APIKeyFP      string
	IP            string
	UserAgent     string
	RequestID     string
	SessionID     string
	Outcome       AuditOutcome
	OutcomeReason string
	PreviousState map[string]string
	NewState      map[string]string
}

// AuditRecord is one committed row of the append-only chain.
type AuditRecord struct {
	SequenceNumber int64
	EventID        string
	EventTimestamp time.Time
	Action         string
	ResourceType   string
	ResourceID     string
	UserID         string
	UserEmail      string
	UserRole       string
	Agency         string
	APIKeyFP       string
	IP             string
	UserAgent      string
	RequestID      string
	SessionID      string
	Outcome        AuditOutcome
	OutcomeReason  string
	PreviousState  map[string]string
	NewState       map[string]string
	PreviousHash   string
	RecordHash     string
}

// HashRecord computes the chain hash for a record: SHA-256 over the
// pipe-joined text forms of the identity fields plus the previous hash.
// Absent values serialize as the empty string.
func HashRecord(eventID string, ts time.Time, action, resourceType, resourceID, userID string, outcome AuditOutcome, previousHash string) string {
	parts := []string{
		eventID,
		ts.UTC().Format(AuditTimeLayout),
		action,
		resourceType,
		resourceID,
		userID,
		string(outcome),
		previousHash,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the record's own hash and checks it against the
// stored value.
func (r AuditRecord) Verify() bool {
	return HashRecord(r.EventID, r.EventTimestamp, r.Action, r.ResourceType, r.ResourceID, r.UserID, r.Outcome, r.PreviousHash) == r.RecordHash
}

// AuditLog is the append-only event log port. One append stream per
// database; instantiate once at process init.
type AuditLog interface {
	// Log appends one record and returns the assigned event id.
	// Concurrent callers serialize on a log-wide lock.
	Log(ctx context.Context, e AuditEvent) (string, error)
	// VerifyChain scans records from startSeq in batches and returns
	// the first sequence whose linkage or content hash fails. ok is
	// true when every scanned record verifies.
	VerifyChain(ctx context.Context, startSeq int64, batchSize int) (ok bool, firstInvalid int64, err error)
	// ChainOfCustody lists all records touching one resource in
	// sequence order.
	ChainOfCustody(ctx context.Context, resourceType, resourceID string) ([]AuditRecord, error)
	// FailedAuthAttempts lists recent denied/failed auth events.
	FailedAuthAttempts(ctx context.Context, window time.Duration, limit int) ([]AuditRecord, error)
}
