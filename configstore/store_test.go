package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

const (
	sqlMockErrFmt        = "sqlmock.New: %v"
	unmetExpectationsFmt = "unmet expectations: %v"
)

var configColumns = []string{"namespace", "key", "value", "version", "updated_at", "updated_by"}

type corsDoc struct {
	AllowedOrigins []string `json:"allowedOrigins"`
	MaxAgeSeconds  int      `json:"maxAgeSeconds"`
}

func newTestStore(t *testing.T, opts Options, rows *sqlmock.Rows) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf(sqlMockErrFmt, err)
	}
	t.Cleanup(func() { db.Close() })

	mock.ExpectQuery("SELECT namespace, key, value, version, updated_at, updated_by FROM app_config").WillReturnRows(rows)
	store, err := New(db, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store, mock
}

func TestNewRejectsNilDB(t *testing.T) {
	if _, err := New(nil, Options{}); !errors.Is(err, ErrNilDB) {
		t.Fatalf("expected ErrNilDB, got %v", err)
	}
}

func TestDecodeLayersDefaults(t *testing.T) {
	now := time.Now().UTC()
	rows := sqlmock.NewRows(configColumns).
		AddRow("cors", DocumentKey, []byte(`{"allowedOrigins":["https://admin.example"]}`), int64(3), now, "alice")

	store, mock := newTestStore(t, Options{
		Defaults: map[Section]json.RawMessage{
			SectionCORS: json.RawMessage(`{"allowedOrigins":[],"maxAgeSeconds":600}`),
		},
	}, rows)

	var doc corsDoc
	version, err := store.Decode(SectionCORS, &doc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if version != 3 {
		t.Errorf("unexpected version %d", version)
	}
	if doc.MaxAgeSeconds != 600 {
		t.Errorf("expected default max age, got %d", doc.MaxAgeSeconds)
	}
	if len(doc.AllowedOrigins) != 1 || doc.AllowedOrigins[0] != "https://admin.example" {
		t.Errorf("unexpected origins %+v", doc.AllowedOrigins)
	}
	if got := store.Snapshot().Count(); got != 1 {
		t.Errorf("unexpected snapshot count %d", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf(unmetExpectationsFmt, err)
	}
}

func TestPutBumpsVersionAndNotifiesWatchers(t *testing.T) {
	store, mock := newTestStore(t, Options{}, sqlmock.NewRows(configColumns))

	var notified int
	store.Watch(func(s Snapshot) { notified = s.Count() })

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT version FROM app_config").
		WithArgs("cors", DocumentKey).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(2)))
	mock.ExpectExec("INSERT INTO app_config \\(").
		WithArgs("cors", DocumentKey, sqlmock.AnyArg(), int64(3), "alice").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO app_config_history").
		WithArgs("cors", DocumentKey, sqlmock.AnyArg(), int64(3), "alice", "add admin origin").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT namespace, key, value, version, updated_at, updated_by FROM app_config").
		WillReturnRows(sqlmock.NewRows(configColumns).
			AddRow("cors", DocumentKey, []byte(`{"allowedOrigins":["https://admin.example"]}`), int64(3), now, "alice"))

	snap, err := store.Put(context.Background(), SectionCORS, corsDoc{AllowedOrigins: []string{"https://admin.example"}}, UpdateOptions{
		UpdatedBy:     " alice ",
		Reason:        "add admin origin",
		ExpectVersion: 2,
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if snap.Entries[SectionCORS][DocumentKey].Version != 3 {
		t.Errorf("unexpected snapshot %+v", snap.Entries)
	}
	if notified != 1 {
		t.Errorf("expected watcher to see one entry, got %d", notified)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf(unmetExpectationsFmt, err)
	}
}

func TestPutVersionMismatch(t *testing.T) {
	store, mock := newTestStore(t, Options{}, sqlmock.NewRows(configColumns))

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT version FROM app_config").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(5)))
	mock.ExpectRollback()

	_, err := store.Put(context.Background(), SectionCORS, corsDoc{}, UpdateOptions{ExpectVersion: 4})
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf(unmetExpectationsFmt, err)
	}
}

func TestPutRunsSectionValidator(t *testing.T) {
	rejected := errors.New("bad origins")
	store, mock := newTestStore(t, Options{
		Validators: map[Section]ValidateFunc{
			SectionCORS: func(raw json.RawMessage) error {
				var doc corsDoc
				if err := json.Unmarshal(raw, &doc); err != nil {
					return err
				}
				if len(doc.AllowedOrigins) > 0 {
					return rejected
				}
				return nil
			},
		},
	}, sqlmock.NewRows(configColumns))

	_, err := store.Put(context.Background(), SectionCORS, corsDoc{AllowedOrigins: []string{"https://x.example/"}}, UpdateOptions{})
	if !errors.Is(err, rejected) || !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("expected validator error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf(unmetExpectationsFmt, err)
	}
}

func TestHistoryClampsLimit(t *testing.T) {
	store, mock := newTestStore(t, Options{}, sqlmock.NewRows(configColumns))

	now := time.Now().UTC()
	mock.ExpectQuery("FROM app_config_history").
		WithArgs("security", DocumentKey, maxHistoryLimit).
		WillReturnRows(sqlmock.NewRows([]string{"namespace", "key", "value", "version", "updated_at", "updated_by", "change_reason"}).
			AddRow("security", DocumentKey, []byte(`{}`), int64(2), now, "bob", "tighten cookies").
			AddRow("security", DocumentKey, []byte(`{}`), int64(1), now, nil, nil))

	revs, err := store.History(context.Background(), SectionSecurity, 5000)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(revs) != 2 {
		t.Fatalf("unexpected revisions %+v", revs)
	}
	if revs[0].UpdatedBy != "bob" || revs[0].Reason != "tighten cookies" {
		t.Errorf("unexpected first revision %+v", revs[0])
	}
	if revs[1].UpdatedBy != "" || revs[1].Reason != "" {
		t.Errorf("expected empty metadata, got %+v", revs[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf(unmetExpectationsFmt, err)
	}
}
