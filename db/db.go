package db

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// DefaultPageSize and MaxPageSize bound history listings.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

type DB struct {
	conn    *sqlx.DB
	dialect dialect
}

type dialect struct {
	name    string
	serial  string
	boolean string
}

var dialects = map[string]dialect{
	"sqlite3": {name: "sqlite3", serial: "INTEGER PRIMARY KEY AUTOINCREMENT", boolean: "INTEGER NOT NULL DEFAULT 0"},
	"pgx":     {name: "pgx", serial: "BIGSERIAL PRIMARY KEY", boolean: "BOOLEAN NOT NULL DEFAULT FALSE"},
}

// New opens the database and brings the schema up to date. driver is
// "sqlite3" (dsn is a file path) or "pgx" (dsn is a postgres URL).
func New(driver, dsn string) (*DB, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, errors.Errorf("unsupported driver %q", driver)
	}

	if driver == "sqlite3" && !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000"
	}

	conn, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", driver)
	}
	if driver == "sqlite3" {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY
		conn.SetMaxOpenConns(1)
	}

	db := &DB{conn: conn, dialect: d}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// uniqueViolation reports whether err is a UNIQUE or primary key conflict
// from either driver.
func uniqueViolation(err error) bool {
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (db *DB) init() error {
	d := db.dialect
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id ` + d.serial + `,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id ` + d.serial + `,
			sender_id BIGINT NOT NULL,
			receiver_id BIGINT,
			content TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'SENT',
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_groups (
			id ` + d.serial + `,
			name TEXT NOT NULL,
			created_by BIGINT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			id ` + d.serial + `,
			group_id BIGINT NOT NULL REFERENCES chat_groups(id),
			user_id BIGINT NOT NULL,
			role TEXT NOT NULL,
			joined_at BIGINT NOT NULL,
			UNIQUE(group_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS presence (
			user_id BIGINT PRIMARY KEY,
			is_online ` + d.boolean + `,
			last_seen BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver_id, status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_group_members_user ON group_members(user_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}

	return db.migrate()
}

// migrate adds columns introduced after the first schema version.
func (db *DB) migrate() error {
	if !db.columnExists("messages", "group_id") {
		if _, err := db.conn.Exec("ALTER TABLE messages ADD COLUMN group_id BIGINT"); err != nil {
			return errors.Wrap(err, "add messages.group_id")
		}
		jww.INFO.Printf("Migrated messages: added group_id")
	}

	if !db.columnExists("messages", "kind") {
		if _, err := db.conn.Exec("ALTER TABLE messages ADD COLUMN kind TEXT NOT NULL DEFAULT 'DIRECT'"); err != nil {
			return errors.Wrap(err, "add messages.kind")
		}
		jww.INFO.Printf("Migrated messages: added kind")
	}

	if _, err := db.conn.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id, created_at)`); err != nil {
		return errors.Wrap(err, "index messages.group_id")
	}

	return nil
}

func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	if db.dialect.name == "pgx" {
		query = "SELECT COUNT(*) FROM information_schema.columns WHERE table_name = ? AND column_name = ?"
	}

	var count int
	if err := db.conn.Get(&count, db.conn.Rebind(query), table, column); err != nil {
		return false
	}
	return count > 0
}

// withTx runs fn inside a transaction, rolling back on error.
func (db *DB) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			jww.WARN.Printf("Rollback failed: %v", rbErr)
		}
		return err
	}

	return errors.Wrap(tx.Commit(), "commit")
}

func (db *DB) q(query string) string {
	return db.conn.Rebind(query)
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func clampPage(p int, size int) (int, int) {
	if p < 0 {
		p = 0
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return p, size
}
