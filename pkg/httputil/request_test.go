package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	var dest struct {
		Name string `json:"name"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"donor"}`))
	require.NoError(t, ParseJSON(req, &dest))
	assert.Equal(t, "donor", dest.Name)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"donor","extra":1}`))
	assert.Error(t, ParseJSON(req, &dest))

	rec := httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
	assert.False(t, ParseJSONOrError(rec, req, &dest))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParsePathUUID(t *testing.T) {
	id := uuid.New()

	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"id": id.String()})
	got, err := ParsePathUUID(req, "id")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	req = mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"id": "nope"})
	_, err = ParsePathUUID(req, "id")
	assert.Error(t, err)

	rec := httptest.NewRecorder()
	_, ok := ParsePathUUIDOrError(rec, httptest.NewRequest(http.MethodGet, "/", nil), "id")
	assert.False(t, ok)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestParseQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=25&grouped=true&since=2024-01-02T03:04:05Z&bad=x", nil)

	limit, err := ParseQueryInt(req, "limit", 50)
	require.NoError(t, err)
	assert.Equal(t, 25, limit)

	limit, err = ParseQueryInt(req, "missing", 50)
	require.NoError(t, err)
	assert.Equal(t, 50, limit)

	_, err = ParseQueryInt(req, "bad", 0)
	assert.Error(t, err)

	grouped, err := ParseQueryBool(req, "grouped", false)
	require.NoError(t, err)
	assert.True(t, grouped)

	_, err = ParseQueryBool(req, "bad", false)
	assert.Error(t, err)

	since, err := ParseQueryTime(req, "since")
	require.NoError(t, err)
	require.NotNil(t, since)
	assert.True(t, since.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))

	none, err := ParseQueryTime(req, "until")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = ParseQueryTime(req, "bad")
	assert.Error(t, err)
}
