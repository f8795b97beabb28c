package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB attempts to connect to a PostgreSQL database for testing.
// It skips the test if the connection cannot be established.
func setupTestDB(t testing.TB) *sqlx.DB {
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

	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("skipping eventstore tests: could not connect to postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			aggregate_id UUID NOT NULL,
			aggregate_type TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_data JSONB NOT NULL,
			metadata JSONB,
			version INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (aggregate_id, version)
		);
	`)
	if err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	return db
}

type testEvent struct {
	Message string `json:"message"`
}

func appendOne(t testing.TB, es *EventStore, aggregateID uuid.UUID, expected int, msg string) error {
	t.Helper()
	data, _ := json.Marshal(testEvent{Message: msg})
	tx, err := es.db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)

	err = es.Append(context.Background(), tx, aggregateID, AggregateTransaction, expected, []Event{{
		EventType: "TestEvent",
		EventData: data,
		Metadata:  map[string]interface{}{"cause": msg},
	}})
	if err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func TestAppendAndLoad(t *testing.T) {
	es := New(setupTestDB(t))
	id := uuid.New()

	for i := 0; i < 3; i++ {
		require.NoError(t, appendOne(t, es, id, i, fmt.Sprintf("event %d", i)))
	}

	events, err := es.Load(context.Background(), id, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Version)
		assert.Equal(t, AggregateTransaction, ev.AggregateType)
		assert.Equal(t, fmt.Sprintf("event %d", i), ev.Metadata["cause"])
	}

	tail, err := es.Load(context.Background(), id, 3)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, 3, tail[0].Version)
}

func TestAppendVersionConflict(t *testing.T) {
	es := New(setupTestDB(t))
	id := uuid.New()

	require.NoError(t, appendOne(t, es, id, 0, "first"))
	assert.ErrorIs(t, appendOne(t, es, id, 0, "stale"), ErrConcurrencyConflict)
	assert.ErrorIs(t, appendOne(t, es, id, -1, "bad"), ErrInvalidVersion)

	events, err := es.Load(context.Background(), id, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAppendRollsBackWithCaller(t *testing.T) {
	es := New(setupTestDB(t))
	id := uuid.New()

	tx, err := es.db.BeginTxx(context.Background(), nil)
	require.NoError(t, err)
	require.NoError(t, es.Append(context.Background(), tx, id, AggregateTransaction, 0, []Event{{
		EventType: "TestEvent",
		EventData: json.RawMessage(`{}`),
	}}))
	require.NoError(t, tx.Rollback())

	events, err := es.Load(context.Background(), id, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func BenchmarkAppend(b *testing.B) {
	es := New(setupTestDB(b))

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := appendOne(b, es, uuid.New(), 0, fmt.Sprintf("event %d", i)); err != nil {
			b.Fatalf("Append failed: %v", err)
		}
	}
}

func BenchmarkLoad(b *testing.B) {
	es := New(setupTestDB(b))
	id := uuid.New()
	for i := 0; i < 10; i++ {
		if err := appendOne(b, es, id, i, fmt.Sprintf("event %d", i)); err != nil {
			b.Fatalf("failed to setup events for benchmark: %v", err)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := es.Load(context.Background(), id, 0); err != nil {
			b.Fatalf("Load failed: %v", err)
		}
	}
}
