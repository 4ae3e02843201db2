package kv_test

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/sweeney/eol-tester/internal/kv"
)

func TestSQLite_GetString_ReturnsValue(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New(): %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM settings WHERE key=?")).
		WithArgs("thresholds.power").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(`{"3v3":3000}`))

	got, err := kv.NewSQLite(db).GetString(context.Background(), "thresholds.power")
	if err != nil {
		t.Fatalf("GetString() error = %v", err)
	}
	if got != `{"3v3":3000}` {
		t.Errorf("GetString() = %q", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLite_GetString_MissingKeyIsEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New(): %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM settings")).
		WithArgs("absent").
		WillReturnError(sql.ErrNoRows)

	got, err := kv.NewSQLite(db).GetString(context.Background(), "absent")
	if err != nil {
		t.Fatalf("GetString() error = %v", err)
	}
	if got != "" {
		t.Errorf("GetString() = %q, want empty", got)
	}
}

func TestSQLite_GetString_PropagatesError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New(): %v", err)
	}
	defer db.Close()

	boom := errors.New("disk I/O error")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM settings")).
		WithArgs("k").
		WillReturnError(boom)

	if _, err := kv.NewSQLite(db).GetString(context.Background(), "k"); !errors.Is(err, boom) {
		t.Fatalf("GetString() error = %v, want wrapped %v", err, boom)
	}
}

func TestSQLite_SetString_Upserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New(): %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO settings")).
		WithArgs("thresholds.secondary.idle", `{"0":{"min":1,"max":2}}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = kv.NewSQLite(db).SetString(context.Background(), "thresholds.secondary.idle", `{"0":{"min":1,"max":2}}`)
	if err != nil {
		t.Fatalf("SetString() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLite_SetString_PropagatesError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New(): %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO settings")).
		WillReturnError(errors.New("readonly database"))

	if err := kv.NewSQLite(db).SetString(context.Background(), "k", "v"); err == nil {
		t.Fatal("expected error")
	}
}

func TestMemory_RoundTrip(t *testing.T) {
	m := kv.NewMemory()
	ctx := context.Background()

	if v, _ := m.GetString(ctx, "k"); v != "" {
		t.Errorf("missing key: got %q", v)
	}
	if err := m.SetString(ctx, "k", "v"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if v, _ := m.GetString(ctx, "k"); v != "v" {
		t.Errorf("got %q, want v", v)
	}

	m.SetError = errors.New("full")
	if err := m.SetString(ctx, "k", "w"); err == nil {
		t.Error("expected SetError")
	}
	if v, _ := m.GetString(ctx, "k"); v != "v" {
		t.Errorf("failed write must not change value, got %q", v)
	}
}
