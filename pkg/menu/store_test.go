package menu

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/givebridge/accessd/pkg/rbac"
	"github.com/givebridge/accessd/pkg/storage"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQL(ctx, storage.Config{Dialect: storage.DialectSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	require.NoError(t, storage.Migrate(ctx, db, storage.DialectSQLite, logger))
	return db
}

func seedPermission(t *testing.T, db *sql.DB, name string) {
	t.Helper()
	resource, action, ok := rbac.ParsePermissionName(name)
	require.True(t, ok)
	now := time.Now().UTC()
	require.NoError(t, rbac.NewStore(db).InsertPermission(context.Background(), &rbac.Permission{
		ID: uuid.New(), Name: name, DisplayName: name, Resource: resource, Action: action,
		CreatedAt: now, UpdatedAt: now,
	}))
}

func TestStore_CreateAndList(t *testing.T) {
	db := setupTestDB(t)
	seedPermission(t, db, "cases:view")
	store := NewStore(db, storage.DialectSQLite)
	ctx := context.Background()

	parent, err := store.Create(ctx, ItemInput{Label: "Cases", Href: "/cases", Permission: "cases:view", SortOrder: 2})
	require.NoError(t, err)
	assert.True(t, parent.IsActive)

	hidden := false
	child, err := store.Create(ctx, ItemInput{Label: "Archive", ParentID: &parent.ID, IsActive: &hidden})
	require.NoError(t, err)

	items, err := store.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	got, err := store.Get(ctx, child.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ParentID)
	assert.Equal(t, parent.ID, *got.ParentID)
	assert.False(t, got.IsActive)
	assert.Equal(t, "cases:view", items[1].Permission)
}

func TestStore_RejectsBadWrites(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db, storage.DialectSQLite)
	ctx := context.Background()

	missing := uuid.New()
	_, err := store.Create(ctx, ItemInput{Label: "Orphan", ParentID: &missing})
	assert.Equal(t, rbac.KindValidation, rbac.KindOf(err))

	_, err = store.Create(ctx, ItemInput{Label: "Guarded", Permission: "cases:view"})
	assert.Equal(t, rbac.KindValidation, rbac.KindOf(err))
	assert.Contains(t, err.Error(), "unknown permission")

	_, err = store.Create(ctx, ItemInput{Label: "  "})
	assert.Equal(t, rbac.KindValidation, rbac.KindOf(err))

	items, err := store.Items(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestStore_UpdateRejectsCycle(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db, storage.DialectSQLite)
	ctx := context.Background()

	a, err := store.Create(ctx, ItemInput{Label: "A"})
	require.NoError(t, err)
	b, err := store.Create(ctx, ItemInput{Label: "B", ParentID: &a.ID})
	require.NoError(t, err)

	_, err = store.Update(ctx, a.ID, ItemInput{Label: "A", ParentID: &b.ID})
	require.Error(t, err)
	assert.Equal(t, rbac.KindValidation, rbac.KindOf(err))
	assert.Contains(t, err.Error(), "cycle")

	stored, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.ParentID)

	_, err = store.Update(ctx, uuid.New(), ItemInput{Label: "Ghost"})
	assert.Equal(t, rbac.KindNotFound, rbac.KindOf(err))
}

func TestStore_DeletePromotesChildren(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db, storage.DialectSQLite)
	ctx := context.Background()

	a, err := store.Create(ctx, ItemInput{Label: "A"})
	require.NoError(t, err)
	b, err := store.Create(ctx, ItemInput{Label: "B", ParentID: &a.ID})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, a.ID))
	got, err := store.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ParentID)

	err = store.Delete(ctx, a.ID)
	assert.Equal(t, rbac.KindNotFound, rbac.KindOf(err))
}

func TestStore_PutIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db, storage.DialectSQLite)
	ctx := context.Background()
	home := Item{ID: ItemID("home"), Label: "Home", Href: "/", IsActive: true}

	changed, err := store.Put(ctx, home)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.Put(ctx, home)
	require.NoError(t, err)
	assert.False(t, changed)

	home.Label = "Start"
	changed, err = store.Put(ctx, home)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := store.Get(ctx, home.ID)
	require.NoError(t, err)
	assert.Equal(t, "Start", got.Label)
}

func TestStore_PostgresWritersLockTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewStore(db, storage.DialectPostgres)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("LOCK TABLE menu_items IN SHARE ROW EXCLUSIVE MODE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM menu_items").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err = store.Create(ctx, ItemInput{Label: "Home", Href: "/"})
	assert.Equal(t, rbac.KindStoreUnavailable, rbac.KindOf(err))

	mock.ExpectBegin()
	mock.ExpectExec("LOCK TABLE menu_items").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err = store.Delete(ctx, uuid.New())
	assert.Equal(t, rbac.KindStoreUnavailable, rbac.KindOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SQLiteWritersSkipLock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewStore(db, storage.DialectSQLite)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM menu_items").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	_, err = store.Create(context.Background(), ItemInput{Label: "Home", Href: "/"})
	assert.Equal(t, rbac.KindStoreUnavailable, rbac.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
