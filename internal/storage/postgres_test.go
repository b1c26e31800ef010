package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	logx "postpilot/pkg/logx"
)

// newMockStore wires sqlStore over go-sqlmock with postgres $N placeholders so
// the rebound SQL can be asserted without a live server.
func newMockStore(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return &sqlStore{db: sqlx.NewDb(db, "pgx"), log: logx.Nop()}, mock
}

func TestClaimPostBindsPostgres(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lease := now.Add(time.Minute)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE posts SET status = 'publishing', claimed_by = $1, lease_expiry = $2`)).
		WithArgs("d1", lease.UnixMilli(), int64(42), now.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.ClaimPost(context.Background(), 42, "d1", lease, now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestClaimPostLostOnZeroRows(t *testing.T) {
	st, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE posts SET status = 'publishing'`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.ClaimPost(context.Background(), 7, "d1", now.Add(time.Minute), now)
	if !errors.Is(err, ErrClaimLost) {
		t.Fatalf("want ErrClaimLost, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestAdmitFreePostBindsPostgres(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`free_posts_used = free_posts_used + 1`)).
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.AdmitFreePost(context.Background(), 3); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestOpenPublicationReturningID(t *testing.T) {
	st, mock := newMockStore(t)
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(attempt), 0) + 1 FROM publication_log`)).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"attempt"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO publication_log`)).
		WithArgs(int64(42), 3, started.UnixMilli()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(101)))
	mock.ExpectCommit()

	id, attempt, err := st.OpenPublication(context.Background(), 42, started)
	if err != nil {
		t.Fatalf("open publication: %v", err)
	}
	if id != 101 || attempt != 3 {
		t.Fatalf("id=%d attempt=%d, want 101/3", id, attempt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
