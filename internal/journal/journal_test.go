package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB attempts to connect to a PostgreSQL database for testing.
// It skips the test if the connection cannot be established.
func setupTestDB(t testing.TB) *sql.DB {
	t.Helper()

	env := func(key, def string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return def
	}
	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		env("PGHOST", "localhost"), env("PGPORT", "5432"), env("PGUSER", "user"),
		env("PGPASSWORD", "password"), env("PGDATABASE", "testdb"))

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("skipping postgres tests: could not connect to postgres: %v", err)
	}
	return db
}

func entry(kind, listingID, payload string) Entry {
	return Entry{
		SessionID: uuid.New(),
		Kind:      kind,
		ListingID: listingID,
		Payload:   json.RawMessage(payload),
		Outcome:   "applied",
	}
}

// exercise runs the behaviour every Journal must share.
func exercise(t *testing.T, j Journal, listing string) {
	ctx := context.Background()

	first, err := j.Append(ctx, entry("ListingCreated", listing, `{"id":"`+listing+`"}`))
	require.NoError(t, err)
	second, err := j.Append(ctx, entry("ListingUpdated", listing, `{"id":"`+listing+`","price":5}`))
	require.NoError(t, err)
	_, err = j.Append(ctx, entry("ListingDeleted", "other-"+listing, `not json`))
	require.NoError(t, err)
	assert.Greater(t, second, first)

	got, err := j.Stream(ctx, first-1, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first, got[0].ID)
	assert.Equal(t, "ListingCreated", got[0].Kind)
	assert.JSONEq(t, `{"id":"`+listing+`","price":5}`, string(got[1].Payload))

	rest, err := j.Stream(ctx, second, 10)
	require.NoError(t, err)
	require.NotEmpty(t, rest)
	assert.JSONEq(t, `"not json"`, string(rest[0].Payload))

	mine, err := j.ForListing(ctx, listing, 10)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, []int64{first, second}, []int64{mine[0].ID, mine[1].ID})

	latest, err := j.ForListing(ctx, listing, 1)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, second, latest[0].ID)
}

func TestMemoryJournal(t *testing.T) {
	j := NewMemoryJournal(100)
	exercise(t, j, "1")
	assert.Equal(t, 3, j.Len())

	require.NoError(t, j.Close())
	_, err := j.Append(context.Background(), entry("ListingCreated", "1", `{}`))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryJournal_RingDropsOldest(t *testing.T) {
	j := NewMemoryJournal(2)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := j.Append(ctx, entry("ListingUpdated", "1", `{}`))
		require.NoError(t, err)
	}

	got, err := j.Stream(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].ID)
	assert.Equal(t, int64(5), got[1].ID)
}

func TestPostgresJournal(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	j := NewPostgresJournal(db)
	require.NoError(t, j.EnsureSchema(context.Background()))
	exercise(t, j, uuid.NewString())
}
