package postgres_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeworks/transcriptd/internal/adapter/repo/postgres"
	"github.com/scribeworks/transcriptd/internal/domain"
)

func TestAuditLogFirstRecord(t *testing.T) {
	t.Parallel()
	var lockTaken bool
	var insertArgs []any
	tx := &fakeTx{}
	tx.exec = func(sql string, args []any) (pgconn.CommandTag, error) {
		switch {
		case strings.Contains(sql, "pg_advisory_xact_lock"):
			lockTaken = true
		case strings.Contains(sql, "INSERT INTO audit_log"):
			insertArgs = args
		}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	tx.queryRow = func(string, []any) pgx.Row {
		return &fakeRow{err: pgx.ErrNoRows} // empty chain
	}
	pool := &fakePool{begin: func() (pgx.Tx, error) { return tx, nil }}
	repo := postgres.NewAuditRepo(pool)

	eventID, err := repo.Log(context.Background(), domain.AuditEvent{
		Action:       "job.create",
		ResourceType: "job",
		ResourceID:   "job-1",
		UserID:       "api",
		Outcome:      domain.OutcomeSuccess,
	})
	require.NoError(t, err)
	require.NotEmpty(t, eventID)
	require.True(t, lockTaken)
	require.NotNil(t, insertArgs)

	assert.EqualValues(t, 1, insertArgs[0])
	assert.Equal(t, eventID, insertArgs[1])
	assert.Equal(t, domain.ChainSentinel, insertArgs[19])

	ts := insertArgs[2].(time.Time)
	wantHash := domain.HashRecord(eventID, ts, "job.create", "job", "job-1", "api",
		domain.OutcomeSuccess, domain.ChainSentinel)
	assert.Equal(t, wantHash, insertArgs[20])
	assert.Equal(t, 1, tx.commits)
}

func TestAuditLogChainsToHead(t *testing.T) {
	t.Parallel()
	headHash := strings.Repeat("a", 64)
	var insertArgs []any
	tx := &fakeTx{}
	tx.exec = func(sql string, args []any) (pgconn.CommandTag, error) {
		if strings.Contains(sql, "INSERT INTO audit_log") {
			insertArgs = args
		}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	tx.queryRow = func(string, []any) pgx.Row {
		return &fakeRow{scan: func(dest []any) error {
			*(dest[0].(*int64)) = 41
			*(dest[1].(*string)) = headHash
			return nil
		}}
	}
	pool := &fakePool{begin: func() (pgx.Tx, error) { return tx, nil }}
	repo := postgres.NewAuditRepo(pool)

	_, err := repo.Log(context.Background(), domain.AuditEvent{
		Action:       "job.complete",
		ResourceType: "job",
		ResourceID:   "job-9",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 42, insertArgs[0])
	assert.Equal(t, headHash, insertArgs[19])
}

func TestAuditLogRequiresActionAndResource(t *testing.T) {
	t.Parallel()
	repo := postgres.NewAuditRepo(&fakePool{})
	_, err := repo.Log(context.Background(), domain.AuditEvent{Action: "job.create"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

// buildChain makes n valid chained records starting at sequence 1.
func buildChain(n int) []domain.AuditRecord {
	recs := make([]domain.AuditRecord, n)
	prev := domain.ChainSentinel
	base := time.Now().UTC().Truncate(time.Microsecond).Add(-time.Hour)
	for i := range recs {
		rec := domain.AuditRecord{
			SequenceNumber: int64(i + 1),
			EventID:        "ev-" + string(rune('a'+i%26)) + "-" + time.Now().Format("150405"),
			EventTimestamp: base.Add(time.Duration(i) * time.Second),
			Action:         "job.create",
			ResourceType:   "job",
			ResourceID:     "job-x",
			UserID:         "api",
			Outcome:        domain.OutcomeSuccess,
			PreviousHash:   prev,
		}
		rec.RecordHash = domain.HashRecord(rec.EventID, rec.EventTimestamp, rec.Action,
			rec.ResourceType, rec.ResourceID, rec.UserID, rec.Outcome, rec.PreviousHash)
		recs[i] = rec
		prev = rec.RecordHash
	}
	return recs
}

func scanAuditInto(dest []any, rec domain.AuditRecord) error {
	*(dest[0].(*int64)) = rec.SequenceNumber
	*(dest[1].(*string)) = rec.EventID
	*(dest[2].(*time.Time)) = rec.EventTimestamp
	*(dest[3].(*string)) = rec.Action
	*(dest[4].(*string)) = rec.ResourceType
	*(dest[5].(*string)) = rec.ResourceID
	*(dest[6].(*string)) = rec.UserID
	*(dest[7].(*string)) = rec.UserEmail
	*(dest[8].(*string)) = rec.UserRole
	*(dest[9].(*string)) = rec.Agency
	*(dest[10].(*string)) = rec.APIKeyFP
	*(dest[11].(*string)) = rec.IP
	*(dest[12].(*string)) = rec.UserAgent
	*(dest[13].(*string)) = rec.RequestID
	*(dest[14].(*string)) = rec.SessionID
	*(dest[15].(*domain.AuditOutcome)) = rec.Outcome
	*(dest[16].(*string)) = rec.OutcomeReason
	*(dest[17].(*[]byte)) = nil
	*(dest[18].(*[]byte)) = nil
	*(dest[19].(*string)) = rec.PreviousHash
	*(dest[20].(*string)) = rec.RecordHash
	return nil
}

// chainPool serves audit batches from an in-memory record slice.
func chainPool(recs []domain.AuditRecord) *fakePool {
	return &fakePool{
		query: func(_ string, args []any) (pgx.Rows, error) {
			cursor := args[0].(int64)
			limit := args[1].(int)
			var scans []func([]any) error
			for _, rec := range recs {
				if rec.SequenceNumber >= cursor && len(scans) < limit {
					rec := rec
					scans = append(scans, func(dest []any) error { return scanAuditInto(dest, rec) })
				}
			}
			return &fakeRows{scans: scans}, nil
		},
		queryRow: func(_ string, args []any) pgx.Row {
			seq := args[0].(int64)
			for _, rec := range recs {
				if rec.SequenceNumber == seq {
					rec := rec
					return &fakeRow{scan: func(dest []any) error {
						*(dest[0].(*string)) = rec.RecordHash
						return nil
					}}
				}
			}
			return &fakeRow{err: pgx.ErrNoRows}
		},
	}
}

func TestVerifyChainValid(t *testing.T) {
	t.Parallel()
	recs := buildChain(100)
	repo := postgres.NewAuditRepo(chainPool(recs))

	for _, batch := range []int{1, 16, 100, 1000} {
		ok, firstInvalid, err := repo.VerifyChain(context.Background(), 1, batch)
		require.NoError(t, err)
		assert.True(t, ok, "batch size %d", batch)
		assert.Zero(t, firstInvalid)
	}
}

func TestVerifyChainDetectsTamper(t *testing.T) {
	t.Parallel()
	recs := buildChain(100)
	recs[56].ResourceID = "job-tampered" // record 57
	repo := postgres.NewAuditRepo(chainPool(recs))

	ok, firstInvalid, err := repo.VerifyChain(context.Background(), 1, 16)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.EqualValues(t, 57, firstInvalid)

	// the suffix after the tampered record still verifies
	ok, firstInvalid, err = repo.VerifyChain(context.Background(), 58, 16)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, firstInvalid)
}

func TestVerifyChainDetectsBrokenLink(t *testing.T) {
	t.Parallel()
	recs := buildChain(10)
	// re-hash record 5 with a bogus previous hash; its own content hash
	// is consistent but the linkage is broken
	recs[4].PreviousHash = strings.Repeat("f", 64)
	recs[4].RecordHash = domain.HashRecord(recs[4].EventID, recs[4].EventTimestamp,
		recs[4].Action, recs[4].ResourceType, recs[4].ResourceID, recs[4].UserID,
		recs[4].Outcome, recs[4].PreviousHash)
	repo := postgres.NewAuditRepo(chainPool(recs))

	ok, firstInvalid, err := repo.VerifyChain(context.Background(), 1, 4)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.EqualValues(t, 5, firstInvalid)
}

func TestVerifyChainDetectsGap(t *testing.T) {
	t.Parallel()
	recs := buildChain(10)
	recs = append(recs[:4], recs[5:]...) // drop sequence 5
	repo := postgres.NewAuditRepo(chainPool(recs))

	ok, firstInvalid, err := repo.VerifyChain(context.Background(), 1, 100)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.EqualValues(t, 5, firstInvalid)
}

func TestVerifyChainEmpty(t *testing.T) {
	t.Parallel()
	repo := postgres.NewAuditRepo(chainPool(nil))
	ok, firstInvalid, err := repo.VerifyChain(context.Background(), 1, 16)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, firstInvalid)
}

func TestChainOfCustody(t *testing.T) {
	t.Parallel()
	recs := buildChain(3)
	pool := &fakePool{query: func(_ string, args []any) (pgx.Rows, error) {
		assert.Equal(t, "job", args[0])
		assert.Equal(t, "job-x", args[1])
		var scans []func([]any) error
		for _, rec := range recs {
			rec := rec
			scans = append(scans, func(dest []any) error { return scanAuditInto(dest, rec) })
		}
		return &fakeRows{scans: scans}, nil
	}}
	repo := postgres.NewAuditRepo(pool)

	got, err := repo.ChainOfCustody(context.Background(), "job", "job-x")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.EqualValues(t, 1, got[0].SequenceNumber)
}
