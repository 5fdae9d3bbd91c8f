package rest

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/pgrest/internal/testutil/schematest"
	"github.com/edgeflare/pgrest/pkg/errs"
	"github.com/edgeflare/pgrest/pkg/httputil/middleware"
	"github.com/edgeflare/pgrest/pkg/pgx/schema"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testRequestID = "req-1"

type fixture struct {
	mock    pgxmock.PgxPoolIface
	cache   *schema.Cache
	handler http.Handler
}

func newFixture(t *testing.T, opts ...schema.Option) *fixture {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		mock.Close()
	})

	opts = append([]schema.Option{schema.WithBackOff(func() backoff.BackOff { return &backoff.StopBackOff{} })}, opts...)
	cache := schema.NewCache(schematest.New(schematest.Family()...), opts...)
	srv := NewServer(mock, cache, WithLogger(zaptest.NewLogger(t)), WithBaseURL("/api/"), WithMaxLimit(50))
	return &fixture{mock: mock, cache: cache, handler: srv.Handler()}
}

func (f *fixture) do(method, target string, params url.Values, body string) *httptest.ResponseRecorder {
	if params != nil {
		target += "?" + params.Encode()
	}
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(middleware.RequestIDHeader, testRequestID)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

// sqlContains matches statements that contain fragment.
func sqlContains(fragment string) string {
	return regexp.QuoteMeta(fragment)
}

func TestTables(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/api/", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `["adult","child","company"]`, w.Body.String())
	assert.Equal(t, testRequestID, w.Header().Get(middleware.RequestIDHeader))
}

func TestSelect(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(sqlContains(`LEFT JOIN "public"."company" AS "t2"`)).
		WithArgs(int32(1000), int64(50), int64(0)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "parent_name", "company"}).
			AddRow(int32(1000), "Robb", "Ned", "Stark Corporation"))

	w := f.do(http.MethodGet, "/api/child", url.Values{
		"columns": {"id, name, parent_id.name as parent_name, parent_id.company_id.name as company"},
		"where":   {"id = 1000"},
		"limit":   {"500"},
	}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, `[{"id":1000,"name":"Robb","parent_name":"Ned","company":"Stark Corporation"}]`, strings.TrimSpace(w.Body.String()))
}

func TestSelectStats(t *testing.T) {
	// no expectations: statistics come from the cache alone
	f := newFixture(t)
	w := f.do(http.MethodGet, "/api/child", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"column_name":"parent_id"`)
	assert.Contains(t, w.Body.String(), `"foreign_key":"adult.id"`)
}

func TestSelectErrors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		params url.Values
		status int
		code   string
	}{
		{"unknown table", "/api/nope", url.Values{"columns": {"id"}}, http.StatusNotFound, errs.CodeUnknownTable},
		{"unresolved path", "/api/child", url.Values{"columns": {"parent_id.age"}}, http.StatusBadRequest, errs.CodeUnresolvedPath},
		{"invalid where", "/api/child", url.Values{"columns": {"id"}, "where": {"id = 1; DROP TABLE child"}}, http.StatusBadRequest, errs.CodeInvalidWhere},
		{"type mismatch", "/api/child", url.Values{"columns": {"id"}, "where": {"id = 'Robb'"}}, http.StatusBadRequest, errs.CodeTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			w := f.do(http.MethodGet, tt.target, tt.params, "")
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), `"code":"`+tt.code+`"`)
			assert.Contains(t, w.Body.String(), `"request_id":"`+testRequestID+`"`)
		})
	}
}

func TestInsert(t *testing.T) {
	t.Run("count", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectExec(sqlContains(`INSERT INTO "public"."child"`)).WillReturnResult(pgxmock.NewResult("INSERT", 1))
		w := f.do(http.MethodPost, "/api/child", nil, `{"id": 1000, "name": "Robb", "parent_id": 1}`)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.JSONEq(t, `{"num_rows": 1}`, w.Body.String())
	})

	t.Run("returning", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectQuery(sqlContains(`RETURNING "id" AS "id"`)).WithArgs("Bran").
			WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int32(7)))
		w := f.do(http.MethodPost, "/api/child", url.Values{"returning_columns": {"id"}}, `[{"name": "Bran"}]`)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		assert.JSONEq(t, `[{"id": 7}]`, w.Body.String())
	})

	t.Run("unknown column issues no statement", func(t *testing.T) {
		f := newFixture(t)
		w := f.do(http.MethodPost, "/api/child", nil, `{"id": 1, "age": 9}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), errs.CodeUnknownColumn)
	})

	t.Run("constraint violation", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectExec(sqlContains(`INSERT INTO "public"."child"`)).WillReturnError(&pgconn.PgError{
			Code:           "23503",
			ConstraintName: "child_parent_id_fkey",
			Message:        "insert or update violates foreign key constraint",
		})
		w := f.do(http.MethodPost, "/api/child", nil, `{"id": 1, "name": "Jon", "parent_id": 99}`)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.JSONEq(t, `{
			"code": "CONSTRAINT_VIOLATION",
			"message": "database error 23503: insert or update violates foreign key constraint",
			"details": {"sqlstate": "23503", "constraint": "child_parent_id_fkey"},
			"request_id": "req-1"
		}`, w.Body.String())
	})

	t.Run("internal errors are not echoed", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectExec(sqlContains(`INSERT INTO "public"."child"`)).
			WillReturnError(&pgconn.PgError{Code: "XX000", Message: "secret internals"})
		w := f.do(http.MethodPost, "/api/child", nil, `{"id": 1}`)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "secret")
		assert.Contains(t, w.Body.String(), `"request_id":"req-1"`)
	})

	t.Run("body too large", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()
		cache := schema.NewCache(schematest.New(schematest.Family()...))
		h := NewServer(mock, cache, WithMaxBodyBytes(8)).Handler()
		req := httptest.NewRequest(http.MethodPost, "/child", strings.NewReader(`{"name": "Rickon"}`))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), errs.CodeIncorrectRequest)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestResetCache(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/api/child", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, f.cache.Len())

	w = f.do(http.MethodPost, "/api/reset_table_stats_cache", nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, f.cache.Len())

	w = f.do(http.MethodPost, "/api/reset_table_stats_cache", nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	disabled := newFixture(t, schema.WithCaching(false))
	w = disabled.do(http.MethodPost, "/api/reset_table_stats_cache", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), errs.CodeCacheDisabled)
}
