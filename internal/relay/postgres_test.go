package relay

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebindPostgresPlaceholders(t *testing.T) {
	assert.Equal(t,
		"SELECT * FROM relay_bundles WHERE id = $1 AND state <> 'a?b' AND note = 'it''s?' AND updated_at > $2",
		rebindPostgresPlaceholders("SELECT * FROM relay_bundles WHERE id = ? AND state <> 'a?b' AND note = 'it''s?' AND updated_at > ?"),
	)
}

func TestStoredSignaturesRoundTrip(t *testing.T) {
	record := &Record{
		ID:             "b1",
		PreSignatures:  []string{"p0"},
		PlaceSignature: "place",
		PostSignatures: []string{"q0", "q1"},
	}
	raw, err := encodeSignatures(record)
	assert.NoError(t, err)

	restored := &Record{ID: "b1"}
	assert.NoError(t, decodeSignatures(raw, restored))
	assert.Equal(t, record.PreSignatures, restored.PreSignatures)
	assert.Equal(t, record.PlaceSignature, restored.PlaceSignature)
	assert.Equal(t, record.PostSignatures, restored.PostSignatures)
}

func TestPostgresStorePutGet(t *testing.T) {
	dsn := os.Getenv("RELAY_TEST_DSN")
	if dsn == "" {
		t.Skip("RELAY_TEST_DSN not set")
	}
	store, err := NewPostgresStore(dsn)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	id := fmt.Sprintf("test-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = store.db.ExecContext(context.Background(), rebindPostgresPlaceholders(`DELETE FROM relay_bundles WHERE id = ?`), id)
	})

	_, err = store.Get(ctx, id)
	assert.ErrorIs(t, err, ErrBundleNotFound)

	created := time.Unix(1_700_000_000, 0).UTC()
	record := &Record{
		ID:             id,
		State:          StatePlaced,
		PreSignatures:  []string{"p0"},
		PlaceSignature: "place",
		CreatedAt:      created,
		UpdatedAt:      created,
	}
	require.NoError(t, store.Put(ctx, record))

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatePlaced, got.State)
	assert.Equal(t, []string{"p0"}, got.PreSignatures)
	assert.Equal(t, "place", got.PlaceSignature)
	assert.Equal(t, created, got.CreatedAt)

	record.State = StateFailed
	record.FailedStep = "match"
	record.Error = "transaction failed"
	record.UpdatedAt = created.Add(time.Minute)
	require.NoError(t, store.Put(ctx, record))

	got, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "match", got.FailedStep)
	assert.Equal(t, "transaction failed", got.Error)
	assert.Equal(t, created, got.CreatedAt)
	assert.Equal(t, created.Add(time.Minute), got.UpdatedAt)
}
