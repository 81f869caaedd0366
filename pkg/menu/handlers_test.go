package menu

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/givebridge/accessd/pkg/rbac"
	"github.com/givebridge/accessd/pkg/storage"
)

type allowList map[string]bool

func (a allowList) HasAllPermissions(_ context.Context, userID string, _ ...string) bool {
	return a[userID]
}

func newMenuRouter(svc *Service, store *Store) *mux.Router {
	router := mux.NewRouter()
	router.Use(rbac.IdentityMiddleware)
	NewHandlers(svc, store, allowList{"admin-1": true}).RegisterRoutes(router)
	return router
}

func serve(router http.Handler, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(rbac.UserIDHeader, user)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlers_GetMenu(t *testing.T) {
	svc := NewService(staticSource{items: sampleItems()}, fakeResolver{
		sets: map[string]*rbac.PermissionSet{"donor-1": perms("donations:view")},
	})
	router := newMenuRouter(svc, nil)

	rec := serve(router, http.MethodGet, "/menu", "donor-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tree []*Node
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tree))
	assert.Equal(t, []string{"Home", "Donations"}, labels(tree))

	rec = serve(router, http.MethodGet, "/menu", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tree))
	assert.Equal(t, []string{"Home", "Give"}, labels(tree))

	// no store configured, no item administration
	rec = serve(router, http.MethodGet, "/menu/items", "admin-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlers_ItemAdministration(t *testing.T) {
	store := NewStore(setupTestDB(t), storage.DialectSQLite)
	svc := NewService(store, fakeResolver{})
	router := newMenuRouter(svc, store)

	rec := serve(router, http.MethodPost, "/menu/items", "donor-1", ItemInput{Label: "Home"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(router, http.MethodPost, "/menu/items", "admin-1", ItemInput{Label: "Home", Href: "/"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created Item
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = serve(router, http.MethodPut, "/menu/items/"+created.ID.String(), "admin-1",
		ItemInput{Label: "Home", ParentID: &created.ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(router, http.MethodGet, "/menu", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tree []*Node
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tree))
	assert.Equal(t, []string{"Home"}, labels(tree))

	rec = serve(router, http.MethodDelete, "/menu/items/"+created.ID.String(), "admin-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
