package db

import (
	"context"
	"database/sql"
	"time"

	"chatrelay/models"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

type groupRow struct {
	models.Group
	CreatedAt int64 `db:"created_at"`
}

type memberRow struct {
	models.Member
	JoinedAt int64 `db:"joined_at"`
}

func (r memberRow) model() models.Member {
	m := r.Member
	m.JoinedAt = fromMillis(r.JoinedAt)
	return m
}

// CreateGroup inserts the group and all of its membership rows in a single
// transaction. members must not repeat a user.
func (db *DB) CreateGroup(ctx context.Context, name string, createdBy int64, members []models.Member) (*models.Group, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	group := &models.Group{Name: name, CreatedBy: createdBy, CreatedAt: now}

	err := db.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.QueryRowxContext(ctx,
			db.q("INSERT INTO chat_groups (name, created_by, created_at) VALUES (?, ?, ?) RETURNING id"),
			name, createdBy, toMillis(now),
		).Scan(&group.ID)
		if err != nil {
			return errors.Wrap(err, "insert group")
		}

		for _, m := range members {
			m.GroupID = group.ID
			m.JoinedAt = now
			if err := insertMember(ctx, tx, db.q, m); err != nil {
				return err
			}
			group.Members = append(group.Members, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return group, nil
}

func insertMember(ctx context.Context, ex sqlx.ExecerContext, q func(string) string, m models.Member) error {
	_, err := ex.ExecContext(ctx,
		q("INSERT INTO group_members (group_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)"),
		m.GroupID, m.UserID, m.Role, toMillis(m.JoinedAt))
	if uniqueViolation(err) {
		return errors.Wrapf(models.ErrConflict, "user %d is already a member of group %d", m.UserID, m.GroupID)
	}
	return errors.Wrapf(err, "insert member %d into group %d", m.UserID, m.GroupID)
}

func (db *DB) GetGroup(ctx context.Context, id int64) (*models.Group, error) {
	var row groupRow
	err := db.conn.GetContext(ctx, &row,
		db.q("SELECT id, name, created_by, created_at FROM chat_groups WHERE id = ?"), id)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(models.ErrNotFound, "group %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load group %d", id)
	}

	g := row.Group
	g.CreatedAt = fromMillis(row.CreatedAt)
	return &g, nil
}

// GetMember returns the membership row of userID in groupID.
func (db *DB) GetMember(ctx context.Context, groupID, userID int64) (*models.Member, error) {
	var row memberRow
	err := db.conn.GetContext(ctx, &row,
		db.q("SELECT group_id, user_id, role, joined_at FROM group_members WHERE group_id = ? AND user_id = ?"),
		groupID, userID)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(models.ErrNotFound, "user %d in group %d", userID, groupID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "load member")
	}
	m := row.model()
	return &m, nil
}

// AddMember inserts a membership row. A duplicate is reported as ErrConflict,
// including one that lands between the check and the insert.
func (db *DB) AddMember(ctx context.Context, m models.Member) error {
	if _, err := db.GetMember(ctx, m.GroupID, m.UserID); err == nil {
		return errors.Wrapf(models.ErrConflict, "user %d is already a member of group %d", m.UserID, m.GroupID)
	} else if !errors.Is(err, models.ErrNotFound) {
		return err
	}

	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now().UTC()
	}
	return insertMember(ctx, db.conn, db.q, m)
}

// RemoveMember deletes a membership row; ErrNotFound if there was none.
func (db *DB) RemoveMember(ctx context.Context, groupID, userID int64) error {
	res, err := db.conn.ExecContext(ctx,
		db.q("DELETE FROM group_members WHERE group_id = ? AND user_id = ?"), groupID, userID)
	if err != nil {
		return errors.Wrap(err, "delete member")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(models.ErrNotFound, "user %d in group %d", userID, groupID)
	}
	return nil
}

func (db *DB) ListMembers(ctx context.Context, groupID int64) ([]models.Member, error) {
	var rows []memberRow
	err := db.conn.SelectContext(ctx, &rows,
		db.q("SELECT group_id, user_id, role, joined_at FROM group_members WHERE group_id = ? ORDER BY id"), groupID)
	if err != nil {
		return nil, errors.Wrapf(err, "list members of %d", groupID)
	}

	members := make([]models.Member, 0, len(rows))
	for _, r := range rows {
		members = append(members, r.model())
	}
	return members, nil
}

func (db *DB) GroupIDsOf(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	err := db.conn.SelectContext(ctx, &ids,
		db.q("SELECT group_id FROM group_members WHERE user_id = ? ORDER BY group_id"), userID)
	return ids, errors.Wrapf(err, "groups of %d", userID)
}
