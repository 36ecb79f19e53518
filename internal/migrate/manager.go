// Package migrate applies the PostgreSQL schema and seed scripts bundled with the
// service.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

//go:embed sql
var embedded embed.FS

// Bundled script directories inside Embedded().
const (
	MigrationsDir = "sql/migrations"
	SeedsDir      = "sql/seeds"
)

// Embedded returns the schema and seed scripts compiled into the binary.
func Embedded() fs.FS { return embedded }

const (
	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// ErrNothingApplied is returned by Down when the ledger is empty.
var ErrNothingApplied = errors.New("no migrations applied")

// Applied is one ledger row.
type Applied struct {
	Name      string
	AppliedAt time.Time
}

// track is a directory of scripts and the ledger table that records which ran.
type track struct {
	dir    string
	suffix string
	ledger string
}

// Manager runs scripts read from an fs.FS. A script and its ledger row commit in one
// transaction, so a failed script is never marked applied. Each file is sent as a
// single simple-protocol exec and may hold several statements.
type Manager struct {
	db         *sql.DB
	fsys       fs.FS
	migrations track
	seeds      track
}

// NewManager builds a Manager. Pass Embedded() with MigrationsDir and SeedsDir for the
// bundled scripts, or os.DirFS for files on disk.
func NewManager(db *sql.DB, fsys fs.FS, migrationsDir, seedsDir string) *Manager {
	return &Manager{
		db:         db,
		fsys:       fsys,
		migrations: track{dir: migrationsDir, suffix: upSuffix, ledger: "schema_migrations"},
		seeds:      track{dir: seedsDir, suffix: ".sql", ledger: "schema_seeds"},
	}
}

// Up applies pending migrations in file name order and reports how many ran.
func (m *Manager) Up(ctx context.Context) (int, error) {
	return m.catchUp(ctx, m.migrations)
}

// Seed applies seed scripts that have not run yet.
func (m *Manager) Seed(ctx context.Context) (int, error) {
	return m.catchUp(ctx, m.seeds)
}

// Status lists applied migrations, oldest first.
func (m *Manager) Status(ctx context.Context) ([]Applied, error) {
	if err := m.ensureLedger(ctx, m.migrations.ledger); err != nil {
		return nil, err
	}
	return m.ledger(ctx, m.migrations.ledger)
}

// Down reverts the newest migration with its .down.sql twin and drops its ledger row.
func (m *Manager) Down(ctx context.Context) (string, error) {
	t := m.migrations
	if err := m.ensureLedger(ctx, t.ledger); err != nil {
		return "", err
	}
	done, err := m.ledger(ctx, t.ledger)
	if err != nil {
		return "", err
	}
	if len(done) == 0 {
		return "", ErrNothingApplied
	}
	last := done[len(done)-1].Name
	script := path.Join(t.dir, strings.TrimSuffix(last, upSuffix)+downSuffix)
	err = m.runScript(ctx, script, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `delete from `+ident(t.ledger)+` where name = $1`, last)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("revert %s: %w", last, err)
	}
	return last, nil
}

func (m *Manager) catchUp(ctx context.Context, t track) (int, error) {
	if err := m.ensureLedger(ctx, t.ledger); err != nil {
		return 0, err
	}
	done, err := m.ledger(ctx, t.ledger)
	if err != nil {
		return 0, err
	}
	skip := make(map[string]bool, len(done))
	for _, a := range done {
		skip[a.Name] = true
	}
	names, err := scripts(m.fsys, t.dir, t.suffix)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, name := range names {
		if skip[name] {
			continue
		}
		err := m.runScript(ctx, path.Join(t.dir, name), func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `insert into `+ident(t.ledger)+` (name) values ($1)`, name)
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("apply %s: %w", name, err)
		}
		applied++
	}
	return applied, nil
}

// runScript executes file and then book inside one transaction.
func (m *Manager) runScript(ctx context.Context, file string, book func(*sql.Tx) error) error {
	body, err := fs.ReadFile(m.fsys, file)
	if err != nil {
		return err
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if strings.TrimSpace(string(body)) != "" {
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			return err
		}
	}
	if err := book(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) ensureLedger(ctx context.Context, table string) error {
	_, err := m.db.ExecContext(ctx, `create table if not exists `+ident(table)+
		` (name text primary key, applied_at timestamptz not null default now())`)
	if err != nil {
		return fmt.Errorf("ensure %s: %w", table, err)
	}
	return nil
}

func (m *Manager) ledger(ctx context.Context, table string) ([]Applied, error) {
	rows, err := m.db.QueryContext(ctx, `select name, applied_at from `+ident(table)+` order by applied_at, name`)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	defer rows.Close()
	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Name, &a.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// scripts returns the names of the files in dir ending in suffix, sorted. A missing
// directory has no scripts.
func scripts(fsys fs.FS, dir, suffix string) ([]string, error) {
	if fsys == nil || dir == "" {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func ident(name string) string { return pgx.Identifier{name}.Sanitize() }
