package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/givebridge/accessd/pkg/httputil"
	"github.com/givebridge/accessd/pkg/observability"
)

// Handlers provides HTTP handlers for the audit log API
type Handlers struct {
	store Reader
}

// NewHandlers creates new audit handlers
func NewHandlers(store Reader) *Handlers {
	return &Handlers{store: store}
}

// RegisterRoutes registers audit log routes. Callers mount them on a router
// that already enforces read access.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit", h.listEntries).Methods(http.MethodGet)
	router.HandleFunc("/audit/export", h.exportEntries).Methods(http.MethodGet)
}

// listEntries handles GET /audit
func (h *Handlers) listEntries(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.parseFilter(w, r)
	if !ok {
		return
	}
	number, err := httputil.ParseQueryInt(r, "page", 1)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	size, err := httputil.ParseQueryInt(r, "page_size", DefaultPageSize)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.store.Query(r.Context(), filter, Page{Number: number, Size: size})
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("Audit query failed")
		httputil.WriteErrorCode(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "audit log unavailable")
		return
	}
	_ = httputil.WriteSuccess(w, result)
}

// exportEntries handles GET /audit/export
func (h *Handlers) exportEntries(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.parseFilter(w, r)
	if !ok {
		return
	}
	format := ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = ExportFormatJSON
	}
	if !format.Valid() {
		httputil.WriteBadRequest(w, "format must be json, ndjson or csv")
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", MaxExportRows)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	entries, err := h.store.Export(r.Context(), filter, limit)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("Audit export failed")
		httputil.WriteErrorCode(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "audit log unavailable")
		return
	}
	data, err := Encode(entries, format)
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("Audit export encoding failed")
		httputil.WriteInternalError(w)
		return
	}

	filename := "audit-logs-" + time.Now().UTC().Format("20060102T150405Z") + "." + string(format)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", "attachment; filename="+filename)
	w.Header().Set("X-Export-Count", strconv.Itoa(len(entries)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// parseFilter reads the filter from query parameters, writing a 400 on bad input
func (h *Handlers) parseFilter(w http.ResponseWriter, r *http.Request) (Filter, bool) {
	query := r.URL.Query()
	filter := Filter{
		Category:   Category(query.Get("category")),
		Severity:   Severity(query.Get("severity")),
		Action:     Action(query.Get("action")),
		Actor:      query.Get("actor"),
		TargetType: TargetType(query.Get("target_type")),
		TargetID:   query.Get("target_id"),
	}

	if filter.Action != "" && !filter.Action.Valid() {
		httputil.WriteBadRequest(w, "unknown action "+strconv.Quote(string(filter.Action)))
		return Filter{}, false
	}
	switch filter.Severity {
	case "", SeverityInfo, SeverityWarning, SeverityCritical:
	default:
		httputil.WriteBadRequest(w, "unknown severity "+strconv.Quote(string(filter.Severity)))
		return Filter{}, false
	}

	from, err := httputil.ParseQueryTime(r, "from")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return Filter{}, false
	}
	to, err := httputil.ParseQueryTime(r, "to")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return Filter{}, false
	}
	if from != nil && to != nil && to.Before(*from) {
		httputil.WriteBadRequest(w, "to must not be before from")
		return Filter{}, false
	}
	filter.From = from
	filter.To = to
	return filter, true
}
