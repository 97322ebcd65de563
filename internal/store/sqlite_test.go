package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dsn, DefaultTables())
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFamilyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fam := Family{
		FamilyID:      FamilyKey("us-east-1", "fam-1"),
		TokenBalance:  5000,
		Paused:        false,
		PrimaryRegion: "us-east-1",
	}
	require.NoError(t, s.UpsertFamily(ctx, fam))

	got, err := s.GetFamily(ctx, "fam-1", "us-east-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, int64(5000), got.TokenBalance)
	require.False(t, got.Paused)

	missing, err := s.GetFamily(ctx, "nope", "us-east-1")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestProfileRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	prof := Profile{
		ProfileID:  ProfileKey("us-east-1", "prof-1"),
		FamilyID:   "fam-1",
		Role:       "child",
		Paused:     true,
		UserRegion: "us-east-1",
	}
	require.NoError(t, s.UpsertProfile(ctx, prof))

	got, err := s.GetProfile(ctx, "prof-1", "us-east-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "fam-1", got.FamilyID)
	require.True(t, got.Paused)
}

func TestDebitFamilyBalance(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := FamilyKey("us-east-1", "fam-1")
	require.NoError(t, s.UpsertFamily(ctx, Family{FamilyID: key, TokenBalance: 100, PrimaryRegion: "us-east-1"}))

	require.NoError(t, s.DebitFamilyBalance(ctx, key, 30))
	got, err := s.GetFamily(ctx, "fam-1", "us-east-1")
	require.NoError(t, err)
	require.Equal(t, int64(70), got.TokenBalance)

	err = s.DebitFamilyBalance(ctx, FamilyKey("us-east-1", "missing"), 1)
	require.Error(t, err)
}

func TestConfigSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := []byte(`{"version":"v1","providers":{}}`)
	require.NoError(t, s.PutConfigSnapshot(ctx, "active", doc))

	got, err := s.GetConfigSnapshot(ctx, "active")
	require.NoError(t, err)
	require.JSONEq(t, string(doc), string(got))

	missing, err := s.GetConfigSnapshot(ctx, "other")
	require.NoError(t, err)
	require.Nil(t, missing)

	require.Error(t, s.PutConfigSnapshot(ctx, "bad", []byte("not json")))
}

func TestHealthRecordUpsertAndTTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	rec := HealthRecord{
		ProviderRegion:      HealthKey("openai", "us-east-1"),
		Status:              StatusOpen,
		ConsecutiveFailures: 3,
		TotalFailures:       3,
		OpenedAt:            &now,
		LastStateChangeAt:   now,
		TTL:                 now.Add(time.Hour).Unix(),
	}
	require.NoError(t, s.PutHealthRecord(ctx, rec))

	got, err := s.GetHealthRecord(ctx, rec.ProviderRegion)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, StatusOpen, got.Status)
	require.Equal(t, uint32(3), got.ConsecutiveFailures)
	require.NotNil(t, got.OpenedAt)

	// Update in place; the key conflicts and the row is replaced.
	rec.Status = StatusHalfOpen
	rec.ConsecutiveFailures = 0
	require.NoError(t, s.PutHealthRecord(ctx, rec))
	got, err = s.GetHealthRecord(ctx, rec.ProviderRegion)
	require.NoError(t, err)
	require.Equal(t, StatusHalfOpen, got.Status)

	// An expired record reads as absent.
	expired := HealthRecord{
		ProviderRegion:    HealthKey("anthropic", "us-east-1"),
		Status:            StatusClosed,
		LastStateChangeAt: now,
		TTL:               now.Add(-time.Minute).Unix(),
	}
	require.NoError(t, s.PutHealthRecord(ctx, expired))
	gone, err := s.GetHealthRecord(ctx, expired.ProviderRegion)
	require.NoError(t, err)
	require.Nil(t, gone)

	// ListHealthRecords skips the expired row too.
	recs, err := s.ListHealthRecords(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, HealthKey("openai", "us-east-1"), recs[0].ProviderRegion)

	// The reaper deletes it for real.
	n, err := s.DeleteExpiredHealthRecords(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestLedgerAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := FamilyKey("us-east-1", "fam-1")
	base := time.Now().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendLedger(ctx, LedgerEntry{
			RequestID:        "req-1",
			FamilyKey:        key,
			Provider:         "openai",
			Model:            "gpt-4o",
			PromptTokens:     10,
			CompletionTokens: 20,
			CostUSD:          0.003,
			Timestamp:        base.Add(time.Duration(i) * time.Second),
			Success:          true,
		}))
	}

	entries, err := s.ListLedger(ctx, key, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	require.True(t, entries[0].Timestamp.After(entries[1].Timestamp))

	other, err := s.ListLedger(ctx, FamilyKey("us-east-1", "other"), 10)
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestVaultBlobRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	salt, data, err := s.LoadVaultBlob(ctx)
	require.NoError(t, err)
	require.Nil(t, salt)
	require.Nil(t, data)

	require.NoError(t, s.SaveVaultBlob(ctx, []byte("salty"), map[string]string{"openai": "ciphertext"}))
	salt, data, err = s.LoadVaultBlob(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("salty"), salt)
	require.Equal(t, "ciphertext", data["openai"])
}

func TestTableNameValidation(t *testing.T) {
	tables := DefaultTables()
	tables.Families = "families; DROP TABLE x"
	_, err := NewSQLite(filepath.Join(t.TempDir(), "t.db"), tables)
	require.Error(t, err)
}
