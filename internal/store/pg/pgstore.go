package pg

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"qazna.org/gateway/internal/webhook"
)

// Migrations holds the schema applied by `gateway migrate`.
//
//go:embed migrations/*.sql
var Migrations embed.FS

const pgErrForeignKeyViolation = "23503"

type Store struct {
	db *sql.DB
}

var _ webhook.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const registrationColumns = `id, url, events, secret, owner, active, created_at, updated_at`

func (s *Store) Create(ctx context.Context, reg webhook.Registration) error {
	events, err := json.Marshal(reg.Events)
	if err != nil {
		return fmt.Errorf("marshal events: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into webhooks (`+registrationColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, reg.ID, reg.URL, events, reg.Secret, reg.Owner, reg.Active, reg.CreatedAt, reg.UpdatedAt)
	return err
}

func (s *Store) Get(ctx context.Context, id string) (webhook.Registration, error) {
	row := s.db.QueryRowContext(ctx, `select `+registrationColumns+` from webhooks where id=$1`, id)
	reg, err := scanRegistration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return webhook.Registration{}, webhook.ErrNotFound
	}
	return reg, err
}

func (s *Store) Update(ctx context.Context, id, owner string, apply func(*webhook.Registration)) (webhook.Registration, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return webhook.Registration{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `select `+registrationColumns+` from webhooks where id=$1 for update`, id)
	reg, err := scanRegistration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return webhook.Registration{}, webhook.ErrNotFound
	}
	if err != nil {
		return webhook.Registration{}, err
	}
	if reg.Owner != owner {
		return webhook.Registration{}, webhook.ErrNotFound
	}

	apply(&reg)
	events, err := json.Marshal(reg.Events)
	if err != nil {
		return webhook.Registration{}, fmt.Errorf("marshal events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		update webhooks set url=$2, events=$3, active=$4, updated_at=$5
		where id=$1
	`, reg.ID, reg.URL, events, reg.Active, reg.UpdatedAt); err != nil {
		return webhook.Registration{}, err
	}
	if err := tx.Commit(); err != nil {
		return webhook.Registration{}, err
	}
	return reg, nil
}

func (s *Store) Delete(ctx context.Context, id, owner string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var dummy int
	err = tx.QueryRowContext(ctx, `select 1 from webhooks where id=$1 and owner=$2 for update`, id, owner).Scan(&dummy)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `delete from webhook_deliveries where registration_id=$1`, id); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `delete from webhooks where id=$1`, id); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ListByOwner(ctx context.Context, owner, cursor string, limit int) ([]webhook.Registration, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from webhooks where owner=$1`, owner).Scan(&total); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		return nil, total, nil
	}

	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case cursor == "":
		rows, err = s.db.QueryContext(ctx, `
			select `+registrationColumns+` from webhooks
			where owner=$1
			order by created_at desc, id desc
			limit $2
		`, owner, limit)
	default:
		var at time.Time
		err = s.db.QueryRowContext(ctx, `select created_at from webhooks where id=$1 and owner=$2`, cursor, owner).Scan(&at)
		switch {
		case err == nil:
			rows, err = s.db.QueryContext(ctx, `
				select `+registrationColumns+` from webhooks
				where owner=$1 and (created_at, id) < ($2, $3)
				order by created_at desc, id desc
				limit $4
			`, owner, at, cursor, limit)
		case errors.Is(err, sql.ErrNoRows):
			// Cursor no longer exists; ids sort by creation so resume below it.
			rows, err = s.db.QueryContext(ctx, `
				select `+registrationColumns+` from webhooks
				where owner=$1 and id < $2
				order by created_at desc, id desc
				limit $3
			`, owner, cursor, limit)
		}
	}
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	regs, err := collectRegistrations(rows)
	return regs, total, err
}

func (s *Store) Subscribers(ctx context.Context, eventType string) ([]webhook.Registration, error) {
	needle, err := json.Marshal([]string{eventType})
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+registrationColumns+` from webhooks
		where active and events @> $1::jsonb
		order by id
	`, needle)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRegistrations(rows)
}

func (s *Store) SaveDelivery(ctx context.Context, d webhook.Delivery) error {
	_, err := s.db.ExecContext(ctx, `
		insert into webhook_deliveries (id, registration_id, event_id, event_type, status, attempts, last_error, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,nullif($7,''),$8,$9)
		on conflict (id) do update
		set status = excluded.status,
		    attempts = excluded.attempts,
		    last_error = excluded.last_error,
		    updated_at = excluded.updated_at
	`, d.ID, d.RegistrationID, d.EventID, d.EventType, string(d.Status), d.Attempts, d.LastError, d.CreatedAt, d.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return webhook.ErrNotFound
	}
	return err
}

func (s *Store) Deliveries(ctx context.Context, registrationID string) ([]webhook.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, registration_id, event_id, event_type, status, attempts, coalesce(last_error,''), created_at, updated_at
		from webhook_deliveries
		where registration_id=$1
		order by created_at desc, id desc
	`, registrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []webhook.Delivery
	for rows.Next() {
		var d webhook.Delivery
		var status string
		if err := rows.Scan(&d.ID, &d.RegistrationID, &d.EventID, &d.EventType, &status, &d.Attempts, &d.LastError, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Status = webhook.DeliveryStatus(status)
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row scanner) (webhook.Registration, error) {
	var (
		reg       webhook.Registration
		rawEvents []byte
	)
	if err := row.Scan(&reg.ID, &reg.URL, &rawEvents, &reg.Secret, &reg.Owner, &reg.Active, &reg.CreatedAt, &reg.UpdatedAt); err != nil {
		return webhook.Registration{}, err
	}
	if len(rawEvents) > 0 {
		if err := json.Unmarshal(rawEvents, &reg.Events); err != nil {
			return webhook.Registration{}, fmt.Errorf("decode events: %w", err)
		}
	}
	return reg, nil
}

func collectRegistrations(rows *sql.Rows) ([]webhook.Registration, error) {
	var out []webhook.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
