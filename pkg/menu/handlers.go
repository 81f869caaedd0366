package menu

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/givebridge/accessd/pkg/contextkeys"
	"github.com/givebridge/accessd/pkg/httputil"
	"github.com/givebridge/accessd/pkg/observability"
	"github.com/givebridge/accessd/pkg/rbac"
)

// Handlers serves menus and, when a Store is configured, menu item administration
type Handlers struct {
	service *Service
	store   *Store
	checker rbac.PermissionChecker
}

// NewHandlers creates menu handlers. store may be nil when items come from a file.
func NewHandlers(service *Service, store *Store, checker rbac.PermissionChecker) *Handlers {
	return &Handlers{service: service, store: store, checker: checker}
}

// RegisterRoutes registers GET /menu and, with a store, the admin item routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/menu", h.GetMenu).Methods(http.MethodGet)
	if h.store == nil {
		return
	}

	admin := router.PathPrefix("/menu/items").Subrouter()
	admin.Use(rbac.RequirePermission(h.checker, rbac.AdminPermission))
	admin.HandleFunc("", h.ListItems).Methods(http.MethodGet)
	admin.HandleFunc("", h.CreateItem).Methods(http.MethodPost)
	admin.HandleFunc("/{id}", h.UpdateItem).Methods(http.MethodPut)
	admin.HandleFunc("/{id}", h.DeleteItem).Methods(http.MethodDelete)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := rbac.KindOf(err)
	switch kind {
	case rbac.KindNotFound:
		httputil.WriteErrorCode(w, http.StatusNotFound, string(kind), err.Error())
	case rbac.KindValidation:
		httputil.WriteErrorCode(w, http.StatusBadRequest, string(kind), err.Error())
	default:
		observability.FromContext(r.Context()).WithError(err).Error("Menu request failed")
		httputil.WriteErrorCode(w, http.StatusServiceUnavailable, string(rbac.KindStoreUnavailable), "menu unavailable")
	}
}

// GetMenu handles GET /menu for the calling user
func (h *Handlers) GetMenu(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.service.BuildForUser(r.Context(), contextkeys.GetUserID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, nodes)
}

// ListItems handles GET /menu/items
func (h *Handlers) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.Items(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, items)
}

// CreateItem handles POST /menu/items
func (h *Handlers) CreateItem(w http.ResponseWriter, r *http.Request) {
	var in ItemInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}
	item, err := h.store.Create(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, item)
}

// UpdateItem handles PUT /menu/items/{id}
func (h *Handlers) UpdateItem(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	var in ItemInput
	if !httputil.ParseJSONOrError(w, r, &in) {
		return
	}
	item, err := h.store.Update(r.Context(), id, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, item)
}

// DeleteItem handles DELETE /menu/items/{id}
func (h *Handlers) DeleteItem(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathUUIDOrError(w, r, "id")
	if !ok {
		return
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}
