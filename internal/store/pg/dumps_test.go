package pg

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/kvknd/substrated/internal/store"
	"github.com/kvknd/substrated/pkg/domain"
	"go.uber.org/zap"
)

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = mockDB.Close() })
	db := sqlx.NewDb(mockDB, "sqlmock")
	return New(db, zap.NewNop()), mock
}

func TestInsertDump_ExecutesInsertAndReturnsTheDump(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectExec(`INSERT INTO raw_dumps`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "body text", sqlmock.AnyArg(), "trace-1").
		WillReturnResult(sqlmock.NewResult(1, 1))

	dump, err := repo.InsertDump(context.Background(), domain.RawDump{
		BasketID: domain.NewID(), WorkspaceID: domain.NewID(),
		BodyText: "body text", IngestTraceID: "trace-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dump.ID == (domain.ID{}) {
		t.Error("expected InsertDump to assign an id when the caller doesn't supply one")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}

func TestGetDump_TranslatesNoRowsToErrNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := domain.NewID()
	mock.ExpectQuery(`SELECT .* FROM raw_dumps WHERE id = \$1`).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetDump(context.Background(), id)
	if err != store.ErrNotFound {
		t.Fatalf("expected store.ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}

func TestGetDump_ReturnsTheRowOnSuccess(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := domain.NewID()
	basketID := domain.NewID()
	workspaceID := domain.NewID()

	rows := sqlmock.NewRows([]string{"id", "basket_id", "workspace_id", "body_text", "source_meta", "ingest_trace_id", "created_at"}).
		AddRow(id, basketID, workspaceID, "body text", []byte(`{"source":"api"}`), "trace-1", time.Now())
	mock.ExpectQuery(`SELECT .* FROM raw_dumps WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(rows)

	dump, err := repo.GetDump(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dump.ID != id {
		t.Errorf("ID = %s, want %s", dump.ID, id)
	}
	if dump.SourceMeta["source"] != "api" {
		t.Errorf("expected source_meta to be unmarshalled, got %+v", dump.SourceMeta)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}
