package eventstore

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/danvoulez/ledger/pkg/actor"
	"github.com/danvoulez/ledger/pkg/event"
)

func TestPostgresStore_AppendFirstEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT sequence, hash FROM events").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "hash"}))

	ctx := context.Background()
	store, err := NewPostgresStore(ctx, db)
	if err != nil {
		t.Fatalf("an error '%s' was not expected opening the store", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT hash FROM events ORDER BY sequence DESC LIMIT 1 FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"hash"}))
	mock.ExpectQuery("SELECT aggregate_version FROM events").
		WithArgs("Entity", "acme").
		WillReturnRows(sqlmock.NewRows([]string{"aggregate_version"}))
	mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	e, err := store.Append(ctx, event.Input{
		Type:             "EntityCreated",
		AggregateType:    "Entity",
		AggregateID:      "acme",
		AggregateVersion: 1,
		Payload:          map[string]any{"name": "Acme"},
		Actor:            actor.System("bootstrap"),
	})
	if err != nil {
		t.Fatalf("an error '%s' was not expected while appending", err)
	}
	if e.Sequence != 1 {
		t.Errorf("expected sequence 1, got %d", e.Sequence)
	}
	if e.PreviousHash != event.GenesisHash {
		t.Errorf("expected genesis previous_hash, got %q", e.PreviousHash)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %s", err)
	}
}

func TestPostgresStore_AppendRejectsConcurrencyConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT sequence, hash FROM events").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "hash"}))

	ctx := context.Background()
	store, err := NewPostgresStore(ctx, db)
	if err != nil {
		t.Fatalf("an error '%s' was not expected opening the store", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT hash FROM events ORDER BY sequence DESC LIMIT 1 FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"hash"}))
	mock.ExpectQuery("SELECT aggregate_version FROM events").
		WithArgs("Entity", "acme").
		WillReturnRows(sqlmock.NewRows([]string{"aggregate_version"}).AddRow(4))

	_, err = store.Append(ctx, event.Input{
		Type: "X", AggregateType: "Entity", AggregateID: "acme", AggregateVersion: 1,
		Actor: actor.System("bootstrap"),
	})
	if err == nil {
		t.Fatal("expected a concurrency conflict error")
	}
}
