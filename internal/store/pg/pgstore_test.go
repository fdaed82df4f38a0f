package pg

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"qazna.org/gateway/internal/webhook"
)

var regCols = []string{"id", "url", "events", "secret", "owner", "active", "created_at", "updated_at"}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestCreateAndGet(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	reg := webhook.Registration{
		ID: "01HX", URL: "https://example.com/h", Events: []string{"order.created"},
		Secret: "whsec_x", Owner: "o1", Active: true, CreatedAt: now, UpdatedAt: now,
	}
	mock.ExpectExec("insert into webhooks").
		WithArgs(reg.ID, reg.URL, []byte(`["order.created"]`), reg.Secret, reg.Owner, true, now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := s.Create(ctx, reg); err != nil {
		t.Fatalf("Create: %v", err)
	}

	mock.ExpectQuery("select .* from webhooks where id=\\$1").WithArgs(reg.ID).
		WillReturnRows(sqlmock.NewRows(regCols).AddRow(reg.ID, reg.URL, []byte(`["order.created"]`), reg.Secret, reg.Owner, true, now, now))
	got, err := s.Get(ctx, reg.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.URL != reg.URL || len(got.Events) != 1 || got.Events[0] != "order.created" {
		t.Fatalf("unexpected registration: %+v", got)
	}

	mock.ExpectQuery("select .* from webhooks where id=\\$1").WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(regCols))
	if _, err := s.Get(ctx, "missing"); err != webhook.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteChecksOwnerAndCascades(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from webhooks where id=\\$1 and owner=\\$2 for update").WithArgs("w1", "intruder").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	mock.ExpectRollback()

	ok, err := s.Delete(ctx, "w1", "intruder")
	if err != nil || ok {
		t.Fatalf("expected (false, nil), got (%v, %v)", ok, err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery("select 1 from webhooks").WithArgs("w1", "o1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec("delete from webhook_deliveries where registration_id=\\$1").WithArgs("w1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("delete from webhooks where id=\\$1").WithArgs("w1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err = s.Delete(ctx, "w1", "o1")
	if err != nil || !ok {
		t.Fatalf("expected (true, nil), got (%v, %v)", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListByOwnerWithCursor(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("select count\\(\\*\\) from webhooks where owner=\\$1").WithArgs("o1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery("select created_at from webhooks where id=\\$1 and owner=\\$2").WithArgs("w3", "o1").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(at))
	mock.ExpectQuery("where owner=\\$1 and \\(created_at, id\\) < \\(\\$2, \\$3\\)").WithArgs("o1", at, "w3", 2).
		WillReturnRows(sqlmock.NewRows(regCols).
			AddRow("w2", "https://a", []byte(`["order.created"]`), "s", "o1", true, at.Add(-time.Second), at).
			AddRow("w1", "https://b", []byte(`["audit.alert"]`), "s", "o1", false, at.Add(-2*time.Second), at))

	items, total, err := s.ListByOwner(ctx, "o1", "w3", 2)
	if err != nil {
		t.Fatalf("ListByOwner: %v", err)
	}
	if total != 3 || len(items) != 2 || items[0].ID != "w2" || items[1].Active {
		t.Fatalf("unexpected page: total=%d items=%+v", total, items)
	}

	mock.ExpectQuery("select count").WithArgs("o1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("select created_at from webhooks").WithArgs("gone", "o1").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}))
	mock.ExpectQuery("where owner=\\$1 and id < \\$2").WithArgs("o1", "gone", 5).
		WillReturnRows(sqlmock.NewRows(regCols))

	items, _, err = s.ListByOwner(ctx, "o1", "gone", 5)
	if err != nil || len(items) != 0 {
		t.Fatalf("unexpected result for stale cursor: %v %v", items, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSubscribersFiltersByEvent(t *testing.T) {
	s, mock := newMock(t)
	at := time.Now().UTC()
	mock.ExpectQuery("where active and events @> \\$1::jsonb").WithArgs([]byte(`["order.filled"]`)).
		WillReturnRows(sqlmock.NewRows(regCols).AddRow("w1", "https://a", []byte(`["order.filled"]`), "whsec_1", "o1", true, at, at))

	subs, err := s.Subscribers(context.Background(), "order.filled")
	if err != nil {
		t.Fatalf("Subscribers: %v", err)
	}
	if len(subs) != 1 || subs[0].Secret != "whsec_1" {
		t.Fatalf("unexpected subscribers: %+v", subs)
	}
}

func TestSaveDeliveryMapsMissingRegistration(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	d := webhook.Delivery{ID: "d1", RegistrationID: "gone", EventID: "e1", EventType: "order.created", Status: webhook.DeliveryPending, CreatedAt: now, UpdatedAt: now}

	mock.ExpectExec("insert into webhook_deliveries").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	if err := s.SaveDelivery(context.Background(), d); err != webhook.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateReportsMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select .* from webhooks where id=\\$1 for update").WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(regCols))
	mock.ExpectRollback()

	_, err := s.Update(context.Background(), "nope", "o1", func(*webhook.Registration) {})
	if err != webhook.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateLocksRowAndAppliesPatch(t *testing.T) {
	s, mock := newMock(t)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	later := created.Add(time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("select .* from webhooks where id=\\$1 for update").WithArgs("wh1").
		WillReturnRows(sqlmock.NewRows(regCols).
			AddRow("wh1", "https://a.example", []byte(`["order.created"]`), "whsec_x", "o1", false, created, created))
	mock.ExpectExec("update webhooks set").
		WithArgs("wh1", "https://b.example", []byte(`["order.created"]`), false, later).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	reg, err := s.Update(context.Background(), "wh1", "o1", func(r *webhook.Registration) {
		r.URL = "https://b.example"
		r.UpdatedAt = later
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if reg.Active {
		t.Fatalf("locked row was inactive; patch must not reactivate it")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateRejectsForeignOwner(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery("for update").WithArgs("wh1").
		WillReturnRows(sqlmock.NewRows(regCols).
			AddRow("wh1", "https://a.example", []byte(`["order.created"]`), "whsec_x", "o1", true, now, now))
	mock.ExpectRollback()

	if _, err := s.Update(context.Background(), "wh1", "o2", func(*webhook.Registration) {
		t.Fatal("patch applied to a foreign registration")
	}); err != webhook.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
