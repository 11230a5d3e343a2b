package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"biolog/config"
)

func TestValidTableName(t *testing.T) {
	assert.True(t, ValidTableName("clinical_logs"))
	assert.False(t, ValidTableName("Clinical"))
	assert.False(t, ValidTableName("logs; DROP TABLE x"))
	assert.False(t, ValidTableName(deadLetterTable))
	assert.False(t, ValidTableName(""))
}

func TestRecordSQLQuotesTable(t *testing.T) {
	assert.Contains(t, insertRecordSQL("research_logs"), `INSERT INTO "research_logs"`)
	assert.Contains(t, createRecordTableSQL("research_logs"), `CREATE TABLE IF NOT EXISTS "research_logs"`)
}

func TestDeadLetterSQLCarriesEventTimeAndFields(t *testing.T) {
	assert.Contains(t, createDeadLetterTableSQL, "event_time")
	assert.Contains(t, createDeadLetterTableSQL, "fields")
	assert.Contains(t, insertDeadLetterSQL, "event_time, fields")
	assert.Contains(t, insertDeadLetterSQL, "$12)")
	require.Len(t, upgradeDeadLetterTableSQL, 2)
	for _, sql := range upgradeDeadLetterTableSQL {
		assert.Contains(t, sql, "ADD COLUMN IF NOT EXISTS")
	}
}

// Runs against a real database when BIOLOG_TEST_DSN is set.
func TestPostgresStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("BIOLOG_TEST_DSN")
	if dsn == "" {
		t.Skip("BIOLOG_TEST_DSN not set")
	}
	ctx := context.Background()
	cfg := config.DatabaseConfig{DSN: dsn}
	cfg.SetDefaults()

	s, err := NewPostgresStore(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	table := "biolog_test_records"
	require.NoError(t, s.EnsureSchema(ctx, table))

	old := RoutedRecord{
		RecordID: "old-1", SourceSystem: "LIMS", Destination: "research-store", Tier: "specialized-domain",
		Payload: "sample=S-1", Timestamp: time.Now().Add(-48 * time.Hour), RetentionDays: 1,
	}
	fresh := old
	fresh.RecordID = "fresh-1"
	fresh.Timestamp = time.Now()

	require.NoError(t, s.InsertRecord(ctx, table, old))
	require.NoError(t, s.InsertRecord(ctx, table, old), "redelivery is idempotent")
	require.NoError(t, s.InsertRecord(ctx, table, fresh))

	n, err := s.PurgeOlderThan(ctx, table, "research-store", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.WriteDeadLetter(ctx, DeadLetter{
		RecordID: "dl-1", Destination: "research-store", SourceSystem: "LIMS",
		Payload: "x", Timestamp: time.Now().Add(-time.Hour), Fields: map[string]string{"SampleID": "S-1"},
		Attempts: 5, LastError: "timeout", FailedAt: time.Now(),
	}))

	var fields map[string]string
	var eventTime time.Time
	require.NoError(t, s.pool.QueryRow(ctx,
		`SELECT fields, event_time FROM dead_letters WHERE record_id = 'dl-1' ORDER BY id DESC LIMIT 1`).Scan(&fields, &eventTime))
	assert.Equal(t, "S-1", fields["SampleID"])
	assert.False(t, eventTime.IsZero())
}
