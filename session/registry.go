// Package session tracks which node holds each user's live connection and
// whether the user is present.
package session

import (
	"context"
	"encoding/json"
	"strconv"

	"chatrelay/models"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Registry maps a user to the node and connection currently serving it.
// There is one entry per user and the last registration wins.
type Registry struct {
	kv KV
}

func NewRegistry(kv KV) *Registry {
	return &Registry{kv: kv}
}

func userKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

func (r *Registry) Register(ctx context.Context, s models.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encode session")
	}
	if _, err := r.kv.Put(ctx, userKey(s.UserID), data); err != nil {
		return errors.Wrapf(models.ErrTransient, "register user %d: %v", s.UserID, err)
	}
	return nil
}

func (r *Registry) load(ctx context.Context, userID int64) (*models.Session, uint64, error) {
	e, err := r.kv.Get(ctx, userKey(userID))
	if err == ErrKeyNotFound {
		return nil, 0, errors.Wrapf(models.ErrNotFound, "session of user %d", userID)
	}
	if err != nil {
		return nil, 0, errors.Wrapf(models.ErrTransient, "lookup user %d: %v", userID, err)
	}

	var s models.Session
	if err := json.Unmarshal(e.Value, &s); err != nil {
		return nil, 0, errors.Wrapf(err, "decode session of user %d", userID)
	}
	return &s, e.Revision, nil
}

// Remove deletes the user's entry if it still belongs to connID. It returns
// false when the entry is absent or was taken over by a newer connection.
func (r *Registry) Remove(ctx context.Context, userID int64, connID string) (bool, error) {
	s, rev, err := r.load(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if s.ConnID != connID {
		jww.DEBUG.Printf("Session of user %d now held by %s/%s, keeping it", userID, s.NodeID, s.ConnID)
		return false, nil
	}

	err = r.kv.Delete(ctx, userKey(userID), rev)
	if err == ErrRevisionMismatch {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(models.ErrTransient, "remove user %d: %v", userID, err)
	}
	return true, nil
}

func (r *Registry) Lookup(ctx context.Context, userID int64) (*models.Session, error) {
	s, _, err := r.load(ctx, userID)
	return s, err
}

func (r *Registry) Exists(ctx context.Context, userID int64) (bool, error) {
	_, err := r.Lookup(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Users lists every registered user id.
func (r *Registry) Users(ctx context.Context) ([]int64, error) {
	keys, err := r.kv.Keys(ctx)
	if err != nil {
		return nil, errors.Wrapf(models.ErrTransient, "list sessions: %v", err)
	}

	ids := make([]int64, 0, len(keys))
	for _, k := range keys {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
