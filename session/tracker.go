package session

import (
	"context"
	"strconv"
	"time"

	"chatrelay/models"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// DefaultLivenessTTL is how long a heartbeat keeps a user live.
const DefaultLivenessTTL = 5 * time.Minute

// Store persists the externally visible presence.
type Store interface {
	SetPresence(ctx context.Context, userID int64, online bool, lastSeen time.Time) error
	TouchPresence(ctx context.Context, userID int64, lastSeen time.Time) error
	GetPresence(ctx context.Context, userID int64) (*models.Presence, error)
	ListPresence(ctx context.Context) ([]models.Presence, error)
}

type Broadcaster interface {
	PublishPresence(ctx context.Context, ev models.PresenceEvent) error
}

// Tracker ties the registry, the liveness markers and the persisted presence
// together. The liveness KV is expected to expire entries on its own.
type Tracker struct {
	registry *Registry
	live     KV
	store    Store
	bcast    Broadcaster
	now      func() time.Time
}

func NewTracker(registry *Registry, live KV, store Store, bcast Broadcaster) *Tracker {
	return &Tracker{registry: registry, live: live, store: store, bcast: bcast, now: time.Now}
}

func (t *Tracker) Registry() *Registry {
	return t.registry
}

func (t *Tracker) markLive(ctx context.Context, userID int64, at time.Time) error {
	_, err := t.live.Put(ctx, userKey(userID), []byte(strconv.FormatInt(at.UnixMilli(), 10)))
	return err
}

func (t *Tracker) broadcast(ctx context.Context, userID int64, online bool) {
	if err := t.bcast.PublishPresence(ctx, models.PresenceEvent{UserID: userID, Online: online}); err != nil {
		jww.WARN.Printf("Presence broadcast for user %d failed: %v", userID, err)
	}
}

// Connect records a newly established connection and announces the user.
func (t *Tracker) Connect(ctx context.Context, s models.Session) error {
	now := t.now().UTC()
	if s.ConnectedAt.IsZero() {
		s.ConnectedAt = now
	}

	if err := t.registry.Register(ctx, s); err != nil {
		return err
	}
	if err := t.markLive(ctx, s.UserID, now); err != nil {
		jww.WARN.Printf("Liveness marker for user %d not set: %v", s.UserID, err)
	}
	if err := t.store.SetPresence(ctx, s.UserID, true, now); err != nil {
		return errors.Wrapf(err, "persist presence of %d", s.UserID)
	}

	t.broadcast(ctx, s.UserID, true)
	jww.INFO.Printf("User %d online via %s/%s", s.UserID, s.NodeID, s.ConnID)
	return nil
}

// Disconnect undoes Connect for connection s. If the user's registry entry
// has already moved to a newer connection the user stays online.
func (t *Tracker) Disconnect(ctx context.Context, s models.Session) error {
	removed, err := t.registry.Remove(ctx, s.UserID, s.ConnID)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}

	now := t.now().UTC()
	if err := t.live.Delete(ctx, userKey(s.UserID), 0); err != nil {
		jww.WARN.Printf("Liveness marker for user %d not cleared: %v", s.UserID, err)
	}
	if err := t.store.SetPresence(ctx, s.UserID, false, now); err != nil {
		return errors.Wrapf(err, "persist presence of %d", s.UserID)
	}

	t.broadcast(ctx, s.UserID, false)
	jww.INFO.Printf("User %d offline (%s/%s)", s.UserID, s.NodeID, s.ConnID)
	return nil
}

// Heartbeat refreshes the liveness marker and last-seen time only.
func (t *Tracker) Heartbeat(ctx context.Context, userID int64) error {
	now := t.now().UTC()
	if err := t.markLive(ctx, userID, now); err != nil {
		return errors.Wrapf(models.ErrTransient, "heartbeat of %d: %v", userID, err)
	}
	return t.store.TouchPresence(ctx, userID, now)
}

// GoOffline is the explicit "appear offline" transition. The registry entry
// stays, so messages keep flowing to the live connection.
func (t *Tracker) GoOffline(ctx context.Context, userID int64) error {
	if err := t.store.SetPresence(ctx, userID, false, t.now().UTC()); err != nil {
		return errors.Wrapf(err, "persist presence of %d", userID)
	}
	t.broadcast(ctx, userID, false)
	return nil
}

// IsOnline reports whether the user has a registered live connection.
func (t *Tracker) IsOnline(ctx context.Context, userID int64) (bool, error) {
	return t.registry.Exists(ctx, userID)
}

// IsLive reports whether the user's liveness marker has not expired.
func (t *Tracker) IsLive(ctx context.Context, userID int64) (bool, error) {
	_, err := t.live.Get(ctx, userKey(userID))
	if err == ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(models.ErrTransient, "liveness of %d: %v", userID, err)
	}
	return true, nil
}

// Status is the user-facing presence: the persisted flag, cleared when the
// liveness marker has expired.
func (t *Tracker) Status(ctx context.Context, userID int64) (models.Presence, error) {
	p, err := t.store.GetPresence(ctx, userID)
	if errors.Is(err, models.ErrNotFound) {
		return models.Presence{UserID: userID}, nil
	}
	if err != nil {
		return models.Presence{}, err
	}

	if p.Online {
		live, err := t.IsLive(ctx, userID)
		if err != nil {
			return models.Presence{}, err
		}
		p.Online = live
	}
	return *p, nil
}

// Snapshot returns the presence of every known user except exclude.
func (t *Tracker) Snapshot(ctx context.Context, exclude int64) (map[int64]models.Presence, error) {
	all, err := t.store.ListPresence(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[int64]models.Presence, len(all))
	for _, p := range all {
		if p.UserID == exclude {
			continue
		}
		if p.Online {
			if p.Online, err = t.IsLive(ctx, p.UserID); err != nil {
				return nil, err
			}
		}
		out[p.UserID] = p
	}
	return out, nil
}
