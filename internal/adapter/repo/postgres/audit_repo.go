package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/scribeworks/transcriptd/internal/domain"
)

// auditLockID keys the advisory lock serializing chain appends.
const auditLockID = 0x7472616e // "tran"

// AuditRepo is the append-only, hash-chained audit log over PostgreSQL.
// One append stream per database; share a single instance per process.
type AuditRepo struct{ Pool PgxPool }

// NewAuditRepo constructs an AuditRepo with the given pool.
func NewAuditRepo(p PgxPool) *AuditRepo { return &AuditRepo{Pool: p} }

const auditColumns = `sequence_number, event_id, event_timestamp, action, resource_type,
	COALESCE(resource_id,''), COALESCE(user_id,''), COALESCE(user_email,''),
	COALESCE(user_role,''), COALESCE(agency,''), COALESCE(api_key_fingerprint,''),
	COALESCE(ip_address,''), COALESCE(user_agent,''), COALESCE(request_id,''),
	COALESCE(session_id,''), outcome, COALESCE(outcome_reason,''),
	previous_state, new_state, previous_hash, record_hash`

func scanAuditRecord(row pgx.Row) (domain.AuditRecord, error) {
	var rec domain.AuditRecord
	var prevState, newState []byte
	err := row.Scan(&rec.SequenceNumber, &rec.EventID, &rec.EventTimestamp, &rec.Action,
		&rec.ResourceType, &rec.ResourceID, &rec.UserID, &rec.UserEmail, &rec.UserRole,
		&rec.Agency, &rec.APIKeyFP, &rec.IP, &rec.UserAgent, &rec.RequestID,
		&rec.SessionID, &rec.Outcome, &rec.OutcomeReason, &prevState, &newState,
		&rec.PreviousHash, &rec.RecordHash)
	if err != nil {
		return rec, err
	}
	if len(prevState) > 0 {
		if err := json.Unmarshal(prevState, &rec.PreviousState); err != nil {
			return rec, err
		}
	}
	if len(newState) > 0 {
		if err := json.Unmarshal(newState, &rec.NewState); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

// Log appends one event to the chain. The advisory transaction lock
// serializes concurrent writers so sequence numbers stay gap-free.
func (r *AuditRepo) Log(ctx context.Context, e domain.AuditEvent) (string, error) {
	tracer := otel.Tracer("repo.audit")
	ctx, span := tracer.Start(ctx, "audit.Log")
	defer span.End()
	if e.Action == "" || e.ResourceType == "" {
		return "", fmt.Errorf("op=audit.log: action and resource_type required: %w", domain.ErrInvalidArgument)
	}
	if e.Outcome == "" {
		e.Outcome = domain.OutcomeSuccess
	}

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("op=audit.log: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, auditLockID); err != nil {
		return "", fmt.Errorf("op=audit.log: lock: %w", err)
	}

	var prevSeq int64
	prevHash := domain.ChainSentinel
	err = tx.QueryRow(ctx, `SELECT sequence_number, record_hash FROM audit_log
		ORDER BY sequence_number DESC LIMIT 1`).Scan(&prevSeq, &prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("op=audit.log: head: %w", err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		prevSeq, prevHash = 0, domain.ChainSentinel
	}

	eventID := uuid.New().String()
	// truncated to the precision the hash layout carries, so a record
	// read back from the database verifies
	ts := time.Now().UTC().Truncate(time.Microsecond)
	recordHash := domain.HashRecord(eventID, ts, e.Action, e.ResourceType, e.ResourceID,
		e.UserID, e.Outcome, prevHash)

	prevState, err := json.Marshal(e.PreviousState)
	if err != nil {
		return "", fmt.Errorf("op=audit.log: previous_state: %w", err)
	}
	newState, err := json.Marshal(e.NewState)
	if err != nil {
		return "", fmt.Errorf("op=audit.log: new_state: %w", err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO audit_log (sequence_number, event_id, event_timestamp,
		action, resource_type, resource_id, user_id, user_email, user_role, agency,
		api_key_fingerprint, ip_address, user_agent, request_id, session_id,
		outcome, outcome_reason, previous_state, new_state, previous_hash, record_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		prevSeq+1, eventID, ts, e.Action, e.ResourceType, e.ResourceID, e.UserID,
		e.UserEmail, e.UserRole, e.Agency, e.APIKeyFP, e.IP, e.UserAgent,
		e.RequestID, e.SessionID, e.Outcome, e.OutcomeReason, prevState, newState,
		prevHash, recordHash)
	if err != nil {
		return "", fmt.Errorf("op=audit.log: insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("op=audit.log: commit: %w", err)
	}
	return eventID, nil
}

// VerifyChain re-walks the chain from startSeq checking linkage and
// per-record content hashes. Returns the first offending sequence.
func (r *AuditRepo) VerifyChain(ctx context.Context, startSeq int64, batchSize int) (bool, int64, error) {
	tracer := otel.Tracer("repo.audit")
	ctx, span := tracer.Start(ctx, "audit.VerifyChain")
	defer span.End()
	if startSeq < 1 {
		startSeq = 1
	}
	if batchSize < 1 {
		batchSize = 100
	}

	prevHash := domain.ChainSentinel
	if startSeq > 1 {
		err := r.Pool.QueryRow(ctx, `SELECT record_hash FROM audit_log
			WHERE sequence_number=$1`, startSeq-1).Scan(&prevHash)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return false, 0, fmt.Errorf("op=audit.verify: anchor: %w", err)
		}
	}

	cursor := startSeq
	for {
		rows, err := r.Pool.Query(ctx, `SELECT `+auditColumns+` FROM audit_log
			WHERE sequence_number >= $1 ORDER BY sequence_number ASC LIMIT $2`,
			cursor, batchSize)
		if err != nil {
			return false, 0, fmt.Errorf("op=audit.verify: %w", err)
		}
		batch, err := collectAuditRows(rows)
		if err != nil {
			return false, 0, fmt.Errorf("op=audit.verify: %w", err)
		}
		if len(batch) == 0 {
			return true, 0, nil
		}
		for _, rec := range batch {
			if rec.SequenceNumber != cursor {
				return false, cursor, nil
			}
			if rec.PreviousHash != prevHash {
				return false, rec.SequenceNumber, nil
			}
			if !rec.Verify() {
				return false, rec.SequenceNumber, nil
			}
			prevHash = rec.RecordHash
			cursor++
		}
		if len(batch) < batchSize {
			return true, 0, nil
		}
	}
}

func collectAuditRows(rows pgx.Rows) ([]domain.AuditRecord, error) {
	defer rows.Close()
	var out []domain.AuditRecord
	for rows.Next() {
		rec, err := scanAuditRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ChainOfCustody lists every record touching one resource in sequence order.
func (r *AuditRepo) ChainOfCustody(ctx context.Context, resourceType, resourceID string) ([]domain.AuditRecord, error) {
	tracer := otel.Tracer("repo.audit")
	ctx, span := tracer.Start(ctx, "audit.ChainOfCustody")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+auditColumns+` FROM audit_log
		WHERE resource_type=$1 AND resource_id=$2 ORDER BY sequence_number ASC`,
		resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("op=audit.custody: %w", err)
	}
	out, err := collectAuditRows(rows)
	if err != nil {
		return nil, fmt.Errorf("op=audit.custody: %w", err)
	}
	return out, nil
}

// FailedAuthAttempts lists recent denied or failed auth events.
func (r *AuditRepo) FailedAuthAttempts(ctx context.Context, window time.Duration, limit int) ([]domain.AuditRecord, error) {
	tracer := otel.Tracer("repo.audit")
	ctx, span := tracer.Start(ctx, "audit.FailedAuthAttempts")
	defer span.End()
	if limit < 1 || limit > 1000 {
		limit = 100
	}
	rows, err := r.Pool.Query(ctx, `SELECT `+auditColumns+` FROM audit_log
		WHERE action LIKE 'auth.%' AND outcome IN ($1,$2) AND event_timestamp >= $3
		ORDER BY sequence_number DESC LIMIT $4`,
		domain.OutcomeDenied, domain.OutcomeFailure, time.Now().UTC().Add(-window), limit)
	if err != nil {
		return nil, fmt.Errorf("op=audit.failed_auth: %w", err)
	}
	out, err := collectAuditRows(rows)
	if err != nil {
		return nil, fmt.Errorf("op=audit.failed_auth: %w", err)
	}
	return out, nil
}
