// Package groups resolves group membership for the fan-out path and guards
// membership changes.
package groups

import (
	"context"
	"strings"

	"chatrelay/models"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Store is the membership persistence, implemented by db.DB.
type Store interface {
	CreateGroup(ctx context.Context, name string, createdBy int64, members []models.Member) (*models.Group, error)
	GetGroup(ctx context.Context, id int64) (*models.Group, error)
	GetMember(ctx context.Context, groupID, userID int64) (*models.Member, error)
	AddMember(ctx context.Context, m models.Member) error
	RemoveMember(ctx context.Context, groupID, userID int64) error
	ListMembers(ctx context.Context, groupID int64) ([]models.Member, error)
	GroupIDsOf(ctx context.Context, userID int64) ([]int64, error)
}

type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// CreateGroup creates the group with the creator as ADMIN and every other id
// as MEMBER. Ids repeating the creator or each other are ignored.
func (r *Resolver) CreateGroup(ctx context.Context, name string, creatorID int64, memberIDs []int64) (*models.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.Wrap(models.ErrValidation, "group name required")
	}
	if creatorID == 0 {
		return nil, errors.Wrap(models.ErrValidation, "creator required")
	}

	members := []models.Member{{UserID: creatorID, Role: models.RoleAdmin}}
	seen := map[int64]bool{creatorID: true}
	for _, id := range memberIDs {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, models.Member{UserID: id, Role: models.RoleMember})
	}

	group, err := r.store.CreateGroup(ctx, name, creatorID, members)
	if err != nil {
		return nil, err
	}
	jww.INFO.Printf("Group %d %q created by %d with %d members", group.ID, name, creatorID, len(members))
	return group, nil
}

func (r *Resolver) requireAdmin(ctx context.Context, groupID, requesterID int64) error {
	m, err := r.store.GetMember(ctx, groupID, requesterID)
	if errors.Is(err, models.ErrNotFound) {
		return errors.Wrapf(models.ErrAuthorization, "user %d is not an admin of group %d", requesterID, groupID)
	}
	if err != nil {
		return err
	}
	if m.Role != models.RoleAdmin {
		return errors.Wrapf(models.ErrAuthorization, "user %d is not an admin of group %d", requesterID, groupID)
	}
	return nil
}

func (r *Resolver) AddMember(ctx context.Context, groupID, userID, requesterID int64) error {
	if _, err := r.store.GetGroup(ctx, groupID); err != nil {
		return err
	}
	if err := r.requireAdmin(ctx, groupID, requesterID); err != nil {
		return err
	}
	return r.store.AddMember(ctx, models.Member{GroupID: groupID, UserID: userID, Role: models.RoleMember})
}

func (r *Resolver) RemoveMember(ctx context.Context, groupID, userID, requesterID int64) error {
	if _, err := r.store.GetGroup(ctx, groupID); err != nil {
		return err
	}
	if err := r.requireAdmin(ctx, groupID, requesterID); err != nil {
		return err
	}
	return r.store.RemoveMember(ctx, groupID, userID)
}

func (r *Resolver) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	_, err := r.store.GetMember(ctx, groupID, userID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// MemberIDs lists the current members of groupID in join order.
func (r *Resolver) MemberIDs(ctx context.Context, groupID int64) ([]int64, error) {
	members, err := r.store.ListMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	return ids, nil
}

func (r *Resolver) GroupsOf(ctx context.Context, userID int64) ([]int64, error) {
	return r.store.GroupIDsOf(ctx, userID)
}

// Group returns the group with its members.
func (r *Resolver) Group(ctx context.Context, groupID int64) (*models.Group, error) {
	g, err := r.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if g.Members, err = r.store.ListMembers(ctx, groupID); err != nil {
		return nil, err
	}
	return g, nil
}
