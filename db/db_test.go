package db

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatrelay/models"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// setupTestDB creates a database in a temporary directory.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	database, err := New("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	return database
}

func direct(sender, receiver int64, text string) *models.Message {
	return &models.Message{SenderID: sender, ReceiverID: &receiver, Content: text, Kind: models.KindDirect}
}

func TestMigrateIsRepeatable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "again.db")

	first, err := New("sqlite3", path)
	require.NoError(t, err)
	require.True(t, first.columnExists("messages", "kind"))
	require.NoError(t, first.Close())

	second, err := New("sqlite3", path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestUsers(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	id, err := database.CreateUser(ctx, "alice", "password123")
	require.NoError(t, err)
	require.NotZero(t, id)

	_, err = database.CreateUser(ctx, "alice", "other")
	require.True(t, errors.Is(err, models.ErrConflict))

	got, ok, err := database.AuthenticateUser(ctx, "alice", "password123")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, got)

	_, ok, err = database.AuthenticateUser(ctx, "alice", "wrong")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = database.AuthenticateUser(ctx, "nobody", "x")
	require.NoError(t, err)
	require.False(t, ok)

	exists, err := database.UserExists(ctx, id)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestPersistMessage(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	stored, err := database.PersistMessage(ctx, direct(1, 2, "hi"))
	require.NoError(t, err)
	require.NotZero(t, stored.ID)
	require.Equal(t, models.StatusSent, stored.Status)
	require.False(t, stored.CreatedAt.IsZero())

	loaded, err := database.GetMessage(ctx, stored.ID)
	require.NoError(t, err)
	require.Equal(t, stored.Content, loaded.Content)
	require.Equal(t, int64(2), *loaded.ReceiverID)
	require.Nil(t, loaded.GroupID)
	require.Equal(t, stored.CreatedAt, loaded.CreatedAt)

	_, err = database.GetMessage(ctx, 999)
	require.True(t, errors.Is(err, models.ErrNotFound))

	bad := direct(1, 2, "x")
	group := int64(3)
	bad.GroupID = &group
	_, err = database.PersistMessage(ctx, bad)
	require.True(t, errors.Is(err, models.ErrValidation))
}

func TestAdvanceStatusIsMonotonic(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	m, err := database.PersistMessage(ctx, direct(1, 2, "hi"))
	require.NoError(t, err)

	moved, err := database.AdvanceStatus(ctx, m.ID, models.StatusDelivered)
	require.NoError(t, err)
	require.True(t, moved)

	// duplicate delivery
	moved, err = database.AdvanceStatus(ctx, m.ID, models.StatusDelivered)
	require.NoError(t, err)
	require.False(t, moved)

	moved, err = database.AdvanceStatus(ctx, m.ID, models.StatusRead)
	require.NoError(t, err)
	require.True(t, moved)

	// a late queue redelivery must not regress READ
	moved, err = database.AdvanceStatus(ctx, m.ID, models.StatusDelivered)
	require.NoError(t, err)
	require.False(t, moved)

	loaded, err := database.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusRead, loaded.Status)

	_, err = database.AdvanceStatus(ctx, 424242, models.StatusDelivered)
	require.True(t, errors.Is(err, models.ErrNotFound))

	_, err = database.AdvanceStatus(ctx, m.ID, models.Status("LOST"))
	require.True(t, errors.Is(err, models.ErrValidation))
}

func TestConcurrentAdvanceConvergesToRead(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	m, err := database.PersistMessage(ctx, direct(1, 2, "race"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := database.AdvanceStatus(ctx, m.ID, models.StatusDelivered)
			require.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := database.AdvanceStatus(ctx, m.ID, models.StatusRead)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	loaded, err := database.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusRead, loaded.Status)
}

func TestListUndelivered(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	first, err := database.PersistMessage(ctx, direct(1, 2, "one"))
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := database.PersistMessage(ctx, direct(3, 2, "two"))
	require.NoError(t, err)
	read, err := database.PersistMessage(ctx, direct(1, 2, "three"))
	require.NoError(t, err)
	_, err = database.PersistMessage(ctx, direct(2, 1, "reply"))
	require.NoError(t, err)

	_, err = database.AdvanceStatus(ctx, second.ID, models.StatusDelivered)
	require.NoError(t, err)
	_, err = database.AdvanceStatus(ctx, read.ID, models.StatusRead)
	require.NoError(t, err)

	pending, err := database.ListUndelivered(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, first.ID, pending[0].ID)
	require.Equal(t, second.ID, pending[1].ID)
}

func TestListConversationPages(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		sender, receiver := int64(1), int64(2)
		if i%2 == 1 {
			sender, receiver = receiver, sender
		}
		m, err := database.PersistMessage(ctx, direct(sender, receiver, "m"))
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	_, err := database.PersistMessage(ctx, direct(1, 3, "elsewhere"))
	require.NoError(t, err)

	page, err := database.ListConversation(ctx, 2, 1, models.PageRequest{Page: 0, Size: 2})
	require.NoError(t, err)
	require.Equal(t, int64(5), page.Total)
	require.Len(t, page.Items, 2)
	require.Equal(t, ids[4], page.Items[0].ID)
	require.Equal(t, ids[3], page.Items[1].ID)

	last, err := database.ListConversation(ctx, 1, 2, models.PageRequest{Page: 2, Size: 2})
	require.NoError(t, err)
	require.Len(t, last.Items, 1)
	require.Equal(t, ids[0], last.Items[0].ID)
}

func TestGroupsAndGroupMessages(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	group, err := database.CreateGroup(ctx, "team", 1, []models.Member{
		{UserID: 1, Role: models.RoleAdmin},
		{UserID: 2, Role: models.RoleMember},
	})
	require.NoError(t, err)
	require.Len(t, group.Members, 2)

	err = database.AddMember(ctx, models.Member{GroupID: group.ID, UserID: 2, Role: models.RoleMember})
	require.True(t, errors.Is(err, models.ErrConflict))

	require.NoError(t, database.AddMember(ctx, models.Member{GroupID: group.ID, UserID: 3, Role: models.RoleMember}))
	members, err := database.ListMembers(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, members, 3)

	require.NoError(t, database.RemoveMember(ctx, group.ID, 3))
	err = database.RemoveMember(ctx, group.ID, 3)
	require.True(t, errors.Is(err, models.ErrNotFound))

	ids, err := database.GroupIDsOf(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []int64{group.ID}, ids)

	gid := group.ID
	msg, err := database.PersistMessage(ctx, &models.Message{SenderID: 1, GroupID: &gid, Content: "all", Kind: models.KindGroup})
	require.NoError(t, err)

	page, err := database.ListGroupMessages(ctx, group.ID, models.PageRequest{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, msg.ID, page.Items[0].ID)
	require.Equal(t, DefaultPageSize, page.Size)
}

func TestDuplicateMemberInsertIsConflict(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	group, err := database.CreateGroup(ctx, "team", 1, []models.Member{{UserID: 1, Role: models.RoleAdmin}})
	require.NoError(t, err)

	// an insert that lost the race past AddMember's existence check
	m := models.Member{GroupID: group.ID, UserID: 1, Role: models.RoleMember, JoinedAt: time.Now()}
	err = insertMember(ctx, database.conn, database.q, m)
	require.True(t, errors.Is(err, models.ErrConflict), "got %v", err)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = database.AddMember(ctx, models.Member{GroupID: group.ID, UserID: 2, Role: models.RoleMember})
		}(i)
	}
	wg.Wait()

	added := 0
	for _, err := range errs {
		if err == nil {
			added++
			continue
		}
		require.True(t, errors.Is(err, models.ErrConflict), "got %v", err)
	}
	require.Equal(t, 1, added)
}

func TestCountUnreadBySender(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := database.PersistMessage(ctx, direct(5, 9, "x"))
		require.NoError(t, err)
	}
	m, err := database.PersistMessage(ctx, direct(6, 9, "y"))
	require.NoError(t, err)
	_, err = database.AdvanceStatus(ctx, m.ID, models.StatusDelivered)
	require.NoError(t, err)
	r, err := database.PersistMessage(ctx, direct(6, 9, "z"))
	require.NoError(t, err)
	_, err = database.AdvanceStatus(ctx, r.ID, models.StatusRead)
	require.NoError(t, err)

	counts, err := database.CountUnreadBySender(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, map[int64]int64{5: 3, 6: 1}, counts)
}

func TestPresence(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	_, err := database.GetPresence(ctx, 1)
	require.True(t, errors.Is(err, models.ErrNotFound))

	seen := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, database.SetPresence(ctx, 1, true, seen))

	p, err := database.GetPresence(ctx, 1)
	require.NoError(t, err)
	require.True(t, p.Online)
	require.Equal(t, seen, p.LastSeen)

	later := seen.Add(time.Minute)
	require.NoError(t, database.TouchPresence(ctx, 1, later))
	p, err = database.GetPresence(ctx, 1)
	require.NoError(t, err)
	require.True(t, p.Online, "touch must not change the online flag")
	require.Equal(t, later, p.LastSeen)

	require.NoError(t, database.SetPresence(ctx, 1, false, later))
	require.NoError(t, database.TouchPresence(ctx, 2, later))

	all, err := database.ListPresence(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.False(t, all[0].Online)
	require.False(t, all[1].Online)
}
