package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"chatrelay/models"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// CreateUser stores a user with a bcrypt-hashed password and returns its id.
func (db *DB) CreateUser(ctx context.Context, username, password string) (int64, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return 0, errors.Wrap(models.ErrValidation, "username and password required")
	}

	exists, err := db.UsernameTaken(ctx, username)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, errors.Wrapf(models.ErrConflict, "user %q already exists", username)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, errors.Wrap(err, "hash password")
	}

	var id int64
	err = db.conn.QueryRowxContext(ctx,
		db.q("INSERT INTO users (username, password, created_at) VALUES (?, ?, ?) RETURNING id"),
		username, string(hashed), toMillis(time.Now()),
	).Scan(&id)
	if uniqueViolation(err) {
		return 0, errors.Wrapf(models.ErrConflict, "user %q already exists", username)
	}
	if err != nil {
		return 0, errors.Wrap(err, "insert user")
	}
	return id, nil
}

// AuthenticateUser returns the id of the user when the password matches.
func (db *DB) AuthenticateUser(ctx context.Context, username, password string) (int64, bool, error) {
	var u models.User
	err := db.conn.GetContext(ctx, &u,
		db.q("SELECT id, username, password FROM users WHERE username = ?"), strings.TrimSpace(username))
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "load user")
	}

	if bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)) != nil {
		return 0, false, nil
	}
	return u.ID, true, nil
}

func (db *DB) UserExists(ctx context.Context, id int64) (bool, error) {
	var count int
	if err := db.conn.GetContext(ctx, &count, db.q("SELECT COUNT(*) FROM users WHERE id = ?"), id); err != nil {
		return false, errors.Wrap(err, "count users")
	}
	return count > 0, nil
}

func (db *DB) UsernameTaken(ctx context.Context, username string) (bool, error) {
	var count int
	if err := db.conn.GetContext(ctx, &count, db.q("SELECT COUNT(*) FROM users WHERE username = ?"), username); err != nil {
		return false, errors.Wrap(err, "count users")
	}
	return count > 0, nil
}
