package menu

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/givebridge/accessd/pkg/rbac"
	"github.com/givebridge/accessd/pkg/storage"
)

const itemColumns = "id, parent_id, label, href, icon, permission_name, sort_order, is_active, created_at, updated_at"

// Store keeps menu items in the menu_items table. Every write validates the
// resulting item set as a whole before committing.
type Store struct {
	db       *sql.DB
	dialect  storage.Dialect
	validate *validator.Validate
}

// NewStore creates a menu store over db
func NewStore(db *sql.DB, dialect storage.Dialect) *Store {
	return &Store{
		db:       db,
		dialect:  dialect,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

var _ Source = (*Store)(nil)

// Items returns every menu item, active or not
func (s *Store) Items(ctx context.Context) ([]Item, error) {
	items, err := listItems(ctx, s.db)
	if err != nil {
		return nil, rbac.Unavailable("list_menu", err)
	}
	return items, nil
}

// Get returns one menu item
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM menu_items WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rbac.NewError(rbac.KindNotFound, "get_menu_item", "menu item %s not found", id)
	}
	if err != nil {
		return nil, rbac.Unavailable("get_menu_item", err)
	}
	return it, nil
}

// Create adds a menu item
func (s *Store) Create(ctx context.Context, in ItemInput) (*Item, error) {
	const op = "create_menu_item"
	if err := s.checkInput(op, &in); err != nil {
		return nil, err
	}
	now := s.timestamp()
	item := Item{ID: uuid.New(), CreatedAt: now}
	applyInput(&item, in, now)

	err := s.write(ctx, op, item, func(items []Item) []Item {
		return append(items, item)
	}, func(ctx context.Context, tx *sql.Tx) error {
		return insertItem(ctx, tx, item)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Update rewrites the writable fields of a menu item
func (s *Store) Update(ctx context.Context, id uuid.UUID, in ItemInput) (*Item, error) {
	const op = "update_menu_item"
	if err := s.checkInput(op, &in); err != nil {
		return nil, err
	}
	var updated Item
	found := false
	err := s.write(ctx, op, Item{ID: id, Permission: in.Permission}, func(items []Item) []Item {
		for i := range items {
			if items[i].ID == id {
				applyInput(&items[i], in, s.timestamp())
				updated = items[i]
				found = true
			}
		}
		return items
	}, func(ctx context.Context, tx *sql.Tx) error {
		if !found {
			return rbac.NewError(rbac.KindNotFound, op, "menu item %s not found", id)
		}
		return updateItem(ctx, tx, updated)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Put inserts item under its own id, or rewrites the stored row when it
// differs. It reports whether anything changed.
func (s *Store) Put(ctx context.Context, item Item) (bool, error) {
	const op = "put_menu_item"
	if item.ID == uuid.Nil {
		return false, rbac.NewError(rbac.KindValidation, op, "menu item id is required")
	}
	item.Label = strings.TrimSpace(item.Label)
	now := s.timestamp()

	var existing *Item
	err := s.write(ctx, op, item, func(items []Item) []Item {
		for i := range items {
			if items[i].ID == item.ID {
				prev := items[i]
				existing = &prev
				item.CreatedAt = prev.CreatedAt
				item.UpdatedAt = prev.UpdatedAt
				items[i] = item
				return items
			}
		}
		item.CreatedAt, item.UpdatedAt = now, now
		return append(items, item)
	}, func(ctx context.Context, tx *sql.Tx) error {
		if existing == nil {
			return insertItem(ctx, tx, item)
		}
		if sameItem(*existing, item) {
			return errUnchanged
		}
		item.UpdatedAt = now
		return updateItem(ctx, tx, item)
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes a menu item. Its children become roots.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	const op = "delete_menu_item"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rbac.Unavailable(op, err)
	}
	defer tx.Rollback()

	if err := s.lock(ctx, tx); err != nil {
		return rbac.Unavailable(op, err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE menu_items SET parent_id = NULL, updated_at = $1 WHERE parent_id = $2", s.timestamp(), id); err != nil {
		return rbac.Unavailable(op, err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM menu_items WHERE id = $1", id)
	if err != nil {
		return rbac.Unavailable(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return rbac.Unavailable(op, err)
	}
	if n == 0 {
		return rbac.NewError(rbac.KindNotFound, op, "menu item %s not found", id)
	}
	if err := tx.Commit(); err != nil {
		return rbac.Unavailable(op, err)
	}
	return nil
}

var errUnchanged = errors.New("menu item unchanged")

// write loads the current items inside a transaction, applies change, and
// persists through apply only when the resulting set validates
func (s *Store) write(ctx context.Context, op string, target Item,
	change func([]Item) []Item, apply func(context.Context, *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rbac.Unavailable(op, err)
	}
	defer tx.Rollback()

	if err := s.lock(ctx, tx); err != nil {
		return rbac.Unavailable(op, err)
	}
	items, err := listItems(ctx, tx)
	if err != nil {
		return rbac.Unavailable(op, err)
	}
	if err := Validate(change(items)); err != nil {
		return err
	}
	if target.Permission != "" {
		var n int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM permissions WHERE name = $1", target.Permission).Scan(&n); err != nil {
			return rbac.Unavailable(op, err)
		}
		if n == 0 {
			return rbac.NewError(rbac.KindValidation, op, "unknown permission %q", target.Permission)
		}
	}
	if err := apply(ctx, tx); err != nil {
		if errors.Is(err, errUnchanged) {
			return err
		}
		return rbac.Unavailable(op, err)
	}
	if err := tx.Commit(); err != nil {
		return rbac.Unavailable(op, err)
	}
	return nil
}

// lock serializes menu writers for the rest of tx. Writers validate the whole
// item set, so two of them must not interleave; readers are not blocked.
// SQLite already runs on a single connection.
func (s *Store) lock(ctx context.Context, tx *sql.Tx) error {
	if s.dialect != storage.DialectPostgres {
		return nil
	}
	_, err := tx.ExecContext(ctx, "LOCK TABLE menu_items IN SHARE ROW EXCLUSIVE MODE")
	return err
}

func (s *Store) checkInput(op string, in *ItemInput) error {
	in.Label = strings.TrimSpace(in.Label)
	in.Href = strings.TrimSpace(in.Href)
	in.Permission = strings.TrimSpace(in.Permission)
	if err := s.validate.Struct(in); err != nil {
		return rbac.NewError(rbac.KindValidation, op, "%v", err)
	}
	return nil
}

func (s *Store) timestamp() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func applyInput(item *Item, in ItemInput, now time.Time) {
	item.ParentID = in.ParentID
	item.Label = in.Label
	item.Href = in.Href
	item.Icon = in.Icon
	item.Permission = in.Permission
	item.SortOrder = in.SortOrder
	item.IsActive = in.IsActive == nil || *in.IsActive
	item.UpdatedAt = now
}

func sameItem(a, b Item) bool {
	sameParent := (a.ParentID == nil) == (b.ParentID == nil) &&
		(a.ParentID == nil || *a.ParentID == *b.ParentID)
	return sameParent && a.Label == b.Label && a.Href == b.Href && a.Icon == b.Icon &&
		a.Permission == b.Permission && a.SortOrder == b.SortOrder && a.IsActive == b.IsActive
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*Item, error) {
	var it Item
	var parentID uuid.NullUUID
	if err := row.Scan(&it.ID, &parentID, &it.Label, &it.Href, &it.Icon, &it.Permission,
		&it.SortOrder, &it.IsActive, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return nil, err
	}
	if parentID.Valid {
		id := parentID.UUID
		it.ParentID = &id
	}
	return &it, nil
}

func listItems(ctx context.Context, q storage.Querier) ([]Item, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+itemColumns+" FROM menu_items ORDER BY sort_order, label, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

func nullableParent(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func insertItem(ctx context.Context, q storage.Querier, it Item) error {
	_, err := q.ExecContext(ctx,
		"INSERT INTO menu_items ("+itemColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		it.ID, nullableParent(it.ParentID), it.Label, it.Href, it.Icon, it.Permission,
		it.SortOrder, it.IsActive, it.CreatedAt, it.UpdatedAt)
	return err
}

func updateItem(ctx context.Context, q storage.Querier, it Item) error {
	_, err := q.ExecContext(ctx, `
		UPDATE menu_items
		SET parent_id = $1, label = $2, href = $3, icon = $4, permission_name = $5,
			sort_order = $6, is_active = $7, updated_at = $8
		WHERE id = $9`,
		nullableParent(it.ParentID), it.Label, it.Href, it.Icon, it.Permission,
		it.SortOrder, it.IsActive, it.UpdatedAt, it.ID)
	return err
}
