package pgarchive

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/hostrunner/internal/eventbus"
	"github.com/r3e-network/hostrunner/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New("pgarchive-test", "error", "text")
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sdb := sqlx.NewDb(db, "postgres")
	return New(sdb, testLogger()), mock
}

func TestSubscriberInsertsEachPublishedEvent(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO event_archive").
		WithArgs("instance.started", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	sub := store.Subscriber()
	sub(eventbus.Event{
		Type:      "instance.started",
		Data:      map[string]any{"projectId": "demo"},
		Timestamp: time.Now(),
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSubscriberSwallowsInsertErrorsWithoutPanicking(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO event_archive").
		WillReturnError(sqlmock.ErrCancelled)

	sub := store.Subscriber()
	sub(eventbus.Event{Type: "instance.finished", Data: map[string]any{}, Timestamp: time.Now()})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCloseClosesTheUnderlyingConnection(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectClose()

	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
