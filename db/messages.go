package db

import (
	"context"
	"database/sql"
	"time"

	"chatrelay/models"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

const messageColumns = "id, sender_id, receiver_id, group_id, content, status, kind, created_at"

type messageRow struct {
	models.Message
	CreatedAt int64 `db:"created_at"`
}

func (r messageRow) model() models.Message {
	m := r.Message
	m.CreatedAt = fromMillis(r.CreatedAt)
	return m
}

func rowsToMessages(rows []messageRow) []models.Message {
	out := make([]models.Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out
}

// PersistMessage stores m with status SENT and fills in its id and creation
// time.
func (db *DB) PersistMessage(ctx context.Context, m *models.Message) (*models.Message, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	stored := *m
	stored.Status = models.StatusSent
	stored.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)

	err := db.conn.QueryRowxContext(ctx,
		db.q(`INSERT INTO messages (sender_id, receiver_id, group_id, content, status, kind, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		stored.SenderID, stored.ReceiverID, stored.GroupID, stored.Content,
		stored.Status, stored.Kind, toMillis(stored.CreatedAt),
	).Scan(&stored.ID)
	if err != nil {
		return nil, errors.Wrap(err, "insert message")
	}

	return &stored, nil
}

func (db *DB) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	var row messageRow
	err := db.conn.GetContext(ctx, &row, db.q("SELECT "+messageColumns+" FROM messages WHERE id = ?"), id)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(models.ErrNotFound, "message %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load message %d", id)
	}
	m := row.model()
	return &m, nil
}

// AdvanceStatus moves message id forward to status to. It is a conditional
// max-update: if the row is already at or past to nothing changes and false
// is returned.
func (db *DB) AdvanceStatus(ctx context.Context, id int64, to models.Status) (bool, error) {
	if !to.Valid() {
		return false, errors.Wrapf(models.ErrValidation, "unknown status %q", to)
	}

	below := to.Below()
	if len(below) > 0 {
		query, args, err := sqlx.In("UPDATE messages SET status = ? WHERE id = ? AND status IN (?)", to, id, below)
		if err != nil {
			return false, errors.Wrap(err, "build status update")
		}

		res, err := db.conn.ExecContext(ctx, db.q(query), args...)
		if err != nil {
			return false, errors.Wrapf(err, "advance message %d to %s", id, to)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, errors.Wrap(err, "rows affected")
		}
		if n > 0 {
			return true, nil
		}
	}

	// Nothing moved: either the message is already there or it does not exist.
	var count int
	if err := db.conn.GetContext(ctx, &count, db.q("SELECT COUNT(*) FROM messages WHERE id = ?"), id); err != nil {
		return false, errors.Wrap(err, "count messages")
	}
	if count == 0 {
		return false, errors.Wrapf(models.ErrNotFound, "message %d", id)
	}
	return false, nil
}

// ListUndelivered returns direct messages addressed to userID that have not
// been read yet, oldest first. This is the pull path for messages that were
// never pushed to a live connection.
func (db *DB) ListUndelivered(ctx context.Context, userID int64, limit int) ([]models.Message, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}

	query, args, err := sqlx.In(
		"SELECT "+messageColumns+" FROM messages WHERE receiver_id = ? AND kind = ? AND status IN (?) ORDER BY created_at ASC, id ASC LIMIT ?",
		userID, models.KindDirect, models.StatusRead.Below(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "build undelivered query")
	}

	var rows []messageRow
	if err := db.conn.SelectContext(ctx, &rows, db.q(query), args...); err != nil {
		return nil, errors.Wrapf(err, "list undelivered for %d", userID)
	}
	return rowsToMessages(rows), nil
}

// ListConversation returns one page of the direct conversation between a
// and b, newest first.
func (db *DB) ListConversation(ctx context.Context, a, b int64, req models.PageRequest) (*models.Page, error) {
	page, size := clampPage(req.Page, req.Size)
	where := "kind = ? AND ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))"
	args := []interface{}{models.KindDirect, a, b, b, a}
	return db.listPage(ctx, where, args, page, size)
}

// ListGroupMessages returns one page of a group's messages, newest first.
func (db *DB) ListGroupMessages(ctx context.Context, groupID int64, req models.PageRequest) (*models.Page, error) {
	page, size := clampPage(req.Page, req.Size)
	return db.listPage(ctx, "kind = ? AND group_id = ?", []interface{}{models.KindGroup, groupID}, page, size)
}

func (db *DB) listPage(ctx context.Context, where string, args []interface{}, page, size int) (*models.Page, error) {
	var total int64
	if err := db.conn.GetContext(ctx, &total, db.q("SELECT COUNT(*) FROM messages WHERE "+where), args...); err != nil {
		return nil, errors.Wrap(err, "count page")
	}

	var rows []messageRow
	query := "SELECT " + messageColumns + " FROM messages WHERE " + where +
		" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	pageArgs := append(append([]interface{}{}, args...), size, page*size)
	if err := db.conn.SelectContext(ctx, &rows, db.q(query), pageArgs...); err != nil {
		return nil, errors.Wrap(err, "select page")
	}

	return &models.Page{Items: rowsToMessages(rows), Page: page, Size: size, Total: total}, nil
}

// CountUnreadBySender counts SENT and DELIVERED direct messages to userID,
// keyed by sender.
func (db *DB) CountUnreadBySender(ctx context.Context, userID int64) (map[int64]int64, error) {
	query, args, err := sqlx.In(
		"SELECT sender_id, COUNT(*) FROM messages WHERE receiver_id = ? AND kind = ? AND status IN (?) GROUP BY sender_id",
		userID, models.KindDirect, models.StatusRead.Below())
	if err != nil {
		return nil, errors.Wrap(err, "build unread query")
	}

	rows, err := db.conn.QueryContext(ctx, db.q(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "count unread")
	}
	defer rows.Close()

	counts := make(map[int64]int64)
	for rows.Next() {
		var sender, count int64
		if err := rows.Scan(&sender, &count); err != nil {
			return nil, errors.Wrap(err, "scan unread")
		}
		counts[sender] = count
	}

	return counts, rows.Err()
}
