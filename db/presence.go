package db

import (
	"context"
	"database/sql"
	"time"

	"chatrelay/models"

	"github.com/pkg/errors"
)

type presenceRow struct {
	models.Presence
	LastSeen int64 `db:"last_seen"`
}

// SetPresence upserts the persisted online flag and last-seen time.
func (db *DB) SetPresence(ctx context.Context, userID int64, online bool, lastSeen time.Time) error {
	_, err := db.conn.ExecContext(ctx, db.q(`INSERT INTO presence (user_id, is_online, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET is_online = excluded.is_online, last_seen = excluded.last_seen`),
		userID, online, toMillis(lastSeen))
	return errors.Wrapf(err, "set presence of %d", userID)
}

// TouchPresence updates last-seen only, leaving the online flag as it is.
func (db *DB) TouchPresence(ctx context.Context, userID int64, lastSeen time.Time) error {
	_, err := db.conn.ExecContext(ctx, db.q(`INSERT INTO presence (user_id, is_online, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET last_seen = excluded.last_seen`),
		userID, false, toMillis(lastSeen))
	return errors.Wrapf(err, "touch presence of %d", userID)
}

func (db *DB) GetPresence(ctx context.Context, userID int64) (*models.Presence, error) {
	var row presenceRow
	err := db.conn.GetContext(ctx, &row,
		db.q("SELECT user_id, is_online, last_seen FROM presence WHERE user_id = ?"), userID)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(models.ErrNotFound, "presence of %d", userID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load presence of %d", userID)
	}

	p := row.Presence
	p.LastSeen = fromMillis(row.LastSeen)
	return &p, nil
}

func (db *DB) ListPresence(ctx context.Context) ([]models.Presence, error) {
	var rows []presenceRow
	if err := db.conn.SelectContext(ctx, &rows, "SELECT user_id, is_online, last_seen FROM presence ORDER BY user_id"); err != nil {
		return nil, errors.Wrap(err, "list presence")
	}

	out := make([]models.Presence, 0, len(rows))
	for _, r := range rows {
		p := r.Presence
		p.LastSeen = fromMillis(r.LastSeen)
		out = append(out, p)
	}
	return out, nil
}
