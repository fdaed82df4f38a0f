// Package migrate applies versioned up/down SQL pairs, typically the embedded webhook store schema.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"qazna.org/gateway/internal/obs"
)

const defaultTable = "gateway_schema_migrations"

var (
	// ErrNothingApplied is returned by Down when the history table is empty.
	ErrNothingApplied = errors.New("migrate: no migrations applied")
	// ErrUnknownMigration means the history references a version with no files on disk.
	ErrUnknownMigration = errors.New("migrate: applied migration missing from source")
)

// Migration is one versioned pair, e.g. 0001_webhooks.up.sql + 0001_webhooks.down.sql.
type Migration struct {
	Version string
	Name    string
	Up      string
	Down    string
}

// ID is the key stored in the history table.
func (m Migration) ID() string { return m.Version + "_" + m.Name }

// State reports whether a migration is applied.
type State struct {
	Migration
	Applied   bool
	AppliedAt time.Time
}

func (s State) String() string {
	if !s.Applied {
		return s.ID() + "\tpending"
	}
	return s.ID() + "\tapplied " + s.AppliedAt.UTC().Format(time.RFC3339)
}

// Load reads all pairs under dir, ordered by version. Every up file needs a matching down file.
func Load(fsys fs.FS, dir string) ([]Migration, error) {
	if dir == "" {
		dir = "."
	}
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("migrate: read %s: %w", dir, err)
	}
	byID := make(map[string]*Migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		base, direction, ok := splitName(e.Name())
		if !ok {
			continue
		}
		version, name, found := strings.Cut(base, "_")
		if !found || version == "" || name == "" {
			return nil, fmt.Errorf("migrate: %s: expected <version>_<name>.<up|down>.sql", e.Name())
		}
		body, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		m, exists := byID[base]
		if !exists {
			m = &Migration{Version: version, Name: name}
			byID[base] = m
		}
		if direction == "up" {
			m.Up = string(body)
		} else {
			m.Down = string(body)
		}
	}

	out := make([]Migration, 0, len(byID))
	seen := make(map[string]string, len(byID))
	for id, m := range byID {
		if m.Up == "" || m.Down == "" {
			return nil, fmt.Errorf("migrate: %s: incomplete up/down pair", id)
		}
		if prev, dup := seen[m.Version]; dup {
			return nil, fmt.Errorf("migrate: version %s used by %s and %s", m.Version, prev, id)
		}
		seen[m.Version] = id
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func splitName(file string) (base, direction string, ok bool) {
	switch {
	case strings.HasSuffix(file, ".up.sql"):
		return strings.TrimSuffix(file, ".up.sql"), "up", true
	case strings.HasSuffix(file, ".down.sql"):
		return strings.TrimSuffix(file, ".down.sql"), "down", true
	}
	return "", "", false
}

// Manager applies migrations from fsys/dir against db.
type Manager struct {
	db    *sql.DB
	fsys  fs.FS
	dir   string
	table string
	now   func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithTable overrides the history table name.
func WithTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.table = name
		}
	}
}

// WithClock overrides the time recorded in the history table.
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs a Manager.
func NewManager(db *sql.DB, fsys fs.FS, dir string, opts ...Option) *Manager {
	m := &Manager{db: db, fsys: fsys, dir: dir, table: defaultTable, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies every pending migration in version order and returns the IDs it applied.
// Each migration and its history row commit in one transaction.
func (m *Manager) Up(ctx context.Context) ([]string, error) {
	states, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, s := range states {
		if s.Applied {
			continue
		}
		err := m.inTx(ctx, s.Up, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf(`insert into %s (id, applied_at) values ($1, $2)`, m.table),
				s.ID(), m.now().UTC())
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("migrate: apply %s: %w", s.ID(), err)
		}
		obs.From(ctx).Info("migration applied", zap.String("id", s.ID()))
		applied = append(applied, s.ID())
	}
	return applied, nil
}

// Down rolls back the most recently applied migration and returns its ID.
func (m *Manager) Down(ctx context.Context) (string, error) {
	states, err := m.Status(ctx)
	if err != nil {
		return "", err
	}
	var last *State
	for i := range states {
		if states[i].Applied {
			last = &states[i]
		}
	}
	if last == nil {
		return "", ErrNothingApplied
	}
	err = m.inTx(ctx, last.Down, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where id = $1`, m.table), last.ID())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("migrate: rollback %s: %w", last.ID(), err)
	}
	obs.From(ctx).Info("migration rolled back", zap.String("id", last.ID()))
	return last.ID(), nil
}

// Status lists every known migration with its applied state.
func (m *Manager) Status(ctx context.Context) ([]State, error) {
	migrations, err := Load(m.fsys, m.dir)
	if err != nil {
		return nil, err
	}
	if _, err := m.db.ExecContext(ctx, fmt.Sprintf(
		`create table if not exists %s (id text primary key, applied_at timestamptz not null)`, m.table)); err != nil {
		return nil, fmt.Errorf("migrate: ensure %s: %w", m.table, err)
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	states := make([]State, 0, len(migrations))
	for _, mig := range migrations {
		at, ok := applied[mig.ID()]
		delete(applied, mig.ID())
		states = append(states, State{Migration: mig, Applied: ok, AppliedAt: at})
	}
	for id := range applied {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMigration, id)
	}
	return states, nil
}

func (m *Manager) applied(ctx context.Context) (map[string]time.Time, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select id, applied_at from %s`, m.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			id string
			at time.Time
		)
		if err := rows.Scan(&id, &at); err != nil {
			return nil, err
		}
		out[id] = at
	}
	return out, rows.Err()
}

func (m *Manager) inTx(ctx context.Context, script string, record func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := record(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// splitStatements splits on semicolons outside single-quoted strings and drops
// "--" line comments and empty statements.
func splitStatements(script string) []string {
	var (
		stmts   []string
		current strings.Builder
		quoted  bool
	)
	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			stmts = append(stmts, s)
		}
		current.Reset()
	}
	runes := []rune(script)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case !quoted && r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			current.WriteRune('\n')
		case r == '\'':
			quoted = !quoted
			current.WriteRune(r)
		case r == ';' && !quoted:
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return stmts
}
