package groups

import (
	"context"
	"path/filepath"
	"testing"

	"chatrelay/db"
	"chatrelay/models"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func setupResolver(t *testing.T) *Resolver {
	t.Helper()

	database, err := db.New("sqlite3", filepath.Join(t.TempDir(), "groups.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	return NewResolver(database)
}

func TestCreateGroupDeduplicatesMembers(t *testing.T) {
	r := setupResolver(t)
	ctx := context.Background()

	g, err := r.CreateGroup(ctx, "team", 1, []int64{2, 3, 1, 2})
	require.NoError(t, err)

	full, err := r.Group(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, full.Members, 3)
	require.Equal(t, models.RoleAdmin, full.Members[0].Role)
	require.Equal(t, int64(1), full.Members[0].UserID)
	for _, m := range full.Members[1:] {
		require.Equal(t, models.RoleMember, m.Role)
	}

	ids, err := r.MemberIDs(ctx, g.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, ids)
}

func TestCreateGroupRequiresName(t *testing.T) {
	r := setupResolver(t)
	_, err := r.CreateGroup(context.Background(), "  ", 1, nil)
	require.True(t, errors.Is(err, models.ErrValidation))
}

func TestMembershipChangesRequireAdmin(t *testing.T) {
	r := setupResolver(t)
	ctx := context.Background()

	g, err := r.CreateGroup(ctx, "team", 1, []int64{2})
	require.NoError(t, err)

	err = r.AddMember(ctx, g.ID, 4, 2)
	require.True(t, errors.Is(err, models.ErrAuthorization))

	err = r.AddMember(ctx, g.ID, 4, 99)
	require.True(t, errors.Is(err, models.ErrAuthorization))

	err = r.AddMember(ctx, g.ID, 2, 1)
	require.True(t, errors.Is(err, models.ErrConflict))

	require.NoError(t, r.AddMember(ctx, g.ID, 4, 1))
	member, err := r.IsMember(ctx, g.ID, 4)
	require.NoError(t, err)
	require.True(t, member)

	err = r.RemoveMember(ctx, g.ID, 4, 2)
	require.True(t, errors.Is(err, models.ErrAuthorization))

	require.NoError(t, r.RemoveMember(ctx, g.ID, 4, 1))
	member, err = r.IsMember(ctx, g.ID, 4)
	require.NoError(t, err)
	require.False(t, member)

	err = r.RemoveMember(ctx, g.ID, 4, 1)
	require.True(t, errors.Is(err, models.ErrNotFound))

	err = r.AddMember(ctx, 12345, 4, 1)
	require.True(t, errors.Is(err, models.ErrNotFound))
}

func TestGroupsOf(t *testing.T) {
	r := setupResolver(t)
	ctx := context.Background()

	a, err := r.CreateGroup(ctx, "a", 1, []int64{2})
	require.NoError(t, err)
	b, err := r.CreateGroup(ctx, "b", 2, nil)
	require.NoError(t, err)
	_, err = r.CreateGroup(ctx, "c", 3, nil)
	require.NoError(t, err)

	ids, err := r.GroupsOf(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{a.ID, b.ID}, ids)
}
