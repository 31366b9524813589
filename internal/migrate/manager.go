// Package migrate applies the SQL files under ops/migrations: ordered
// schema migrations (NNNN_name.up.sql / .down.sql) plus idempotent seed
// files. Applied files are tracked in a single schema_history ledger keyed
// by kind and file name.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	historyTable = "schema_history"

	kindMigration = "migration"
	kindSeed      = "seed"
)

// Runner executes the SQL files of a flat migrations layout against one
// database handle.
type Runner struct {
	db            *sql.DB
	migrationsDir string
	seedsDir      string
}

func NewRunner(db *sql.DB, migrationsDir, seedsDir string) *Runner {
	return &Runner{db: db, migrationsDir: migrationsDir, seedsDir: seedsDir}
}

// Applied is one ledger row.
type Applied struct {
	Kind      string
	Name      string
	AppliedAt time.Time
}

// Up applies pending migrations in file-name order and returns the names
// applied in this run.
func (r *Runner) Up(ctx context.Context) ([]string, error) {
	return r.apply(ctx, kindMigration, r.migrationsDir, ".up.sql")
}

// Seed applies pending seed files. Seeds run once; re-running Seed after new
// files appear applies only the new ones.
func (r *Runner) Seed(ctx context.Context) ([]string, error) {
	return r.apply(ctx, kindSeed, r.seedsDir, ".sql")
}

// Down rolls back the most recently applied migration and returns its name.
func (r *Runner) Down(ctx context.Context) (string, error) {
	if err := r.ensureHistory(ctx); err != nil {
		return "", err
	}
	var last string
	err := r.db.QueryRowContext(ctx,
		`select name from `+historyTable+` where kind = $1 order by applied_at desc limit 1`,
		kindMigration).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errors.New("migrate: no migrations applied")
	}
	if err != nil {
		return "", err
	}
	down := filepath.Join(r.migrationsDir, strings.TrimSuffix(last, ".up.sql")+".down.sql")
	if _, err := os.Stat(down); err != nil {
		return "", fmt.Errorf("migrate: missing down file for %s", last)
	}
	if err := r.runFile(ctx, down); err != nil {
		return "", fmt.Errorf("migrate: rollback %s: %w", last, err)
	}
	_, err = r.db.ExecContext(ctx,
		`delete from `+historyTable+` where kind = $1 and name = $2`, kindMigration, last)
	if err != nil {
		return "", err
	}
	return last, nil
}

// History returns every ledger row in application order.
func (r *Runner) History(ctx context.Context) ([]Applied, error) {
	if err := r.ensureHistory(ctx); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx,
		`select kind, name, applied_at from `+historyTable+` order by applied_at asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Kind, &a.Name, &a.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Runner) apply(ctx context.Context, kind, dir, suffix string) ([]string, error) {
	if err := r.ensureHistory(ctx); err != nil {
		return nil, err
	}
	done, err := r.recorded(ctx, kind)
	if err != nil {
		return nil, err
	}
	names, err := listSQL(dir, suffix)
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, name := range names {
		if done[name] {
			continue
		}
		if err := r.runFile(ctx, filepath.Join(dir, name)); err != nil {
			return applied, fmt.Errorf("migrate: apply %s: %w", name, err)
		}
		if err := r.record(ctx, kind, name); err != nil {
			return applied, err
		}
		applied = append(applied, name)
	}
	return applied, nil
}

// runFile executes one SQL file statement by statement inside a transaction.
func (r *Runner) runFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(raw)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Runner) ensureHistory(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		create table if not exists `+historyTable+` (
			kind text not null,
			name text not null,
			applied_at timestamptz not null default now(),
			primary key (kind, name)
		);`)
	return err
}

func (r *Runner) recorded(ctx context.Context, kind string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx,
		`select name from `+historyTable+` where kind = $1`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	done := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		done[name] = true
	}
	return done, rows.Err()
}

func (r *Runner) record(ctx context.Context, kind, name string) error {
	_, err := r.db.ExecContext(ctx,
		`insert into `+historyTable+` (kind, name, applied_at) values ($1, $2, $3)`,
		kind, name, time.Now().UTC())
	return err
}

// listSQL returns matching file names in a flat directory, sorted by name.
// A missing directory yields nothing to apply.
func listSQL(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// splitStatements cuts a script on semicolons outside single-quoted strings
// and drops empty fragments. Quote doubling ('') toggles twice and so stays
// balanced.
func splitStatements(script string) []string {
	var (
		stmts   []string
		start   int
		inQuote bool
	)
	flush := func(end int) {
		if s := strings.TrimSpace(script[start:end]); s != "" {
			stmts = append(stmts, s)
		}
	}
	for i, r := range script {
		switch r {
		case '\'':
			inQuote = !inQuote
		case ';':
			if !inQuote {
				flush(i + 1)
				start = i + 1
			}
		}
	}
	flush(len(script))
	return stmts
}
