package rest

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/edgeflare/pgrest/pkg/errs"
	"github.com/edgeflare/pgrest/pkg/httputil"
	"github.com/edgeflare/pgrest/pkg/httputil/middleware"
	"github.com/edgeflare/pgrest/pkg/metrics"
	pg "github.com/edgeflare/pgrest/pkg/pgx"
	"github.com/edgeflare/pgrest/pkg/pgx/schema"
	"github.com/edgeflare/pgrest/pkg/query"
	"go.uber.org/zap"
)

// DefaultMaxBodyBytes bounds the size of an insert body.
const DefaultMaxBodyBytes = 8 << 20

// ResetCachePath is the table name reserved for the cache reset route.
const ResetCachePath = "reset_table_stats_cache"

type Server struct {
	cache        *schema.Cache
	compiler     *query.Compiler
	executor     *query.Executor
	logger       *zap.Logger
	baseURL      string
	maxLimit     uint64
	maxBodyBytes int64
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBaseURL mounts the routes under prefix, e.g. "/api".
func WithBaseURL(prefix string) Option {
	return func(s *Server) { s.baseURL = strings.TrimRight(prefix, "/") }
}

// WithMaxLimit sets the default and maximum number of rows a read returns.
func WithMaxLimit(n uint64) Option {
	return func(s *Server) { s.maxLimit = n }
}

func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// NewServer serves the tables known to cache, running statements on conn.
func NewServer(conn pg.Conn, cache *schema.Cache, opts ...Option) *Server {
	s := &Server{
		cache:        cache,
		logger:       zap.NewNop(),
		maxLimit:     query.DefaultLimit,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.compiler = query.NewCompiler(cache, query.WithMaxLimit(s.maxLimit))
	s.executor = query.NewExecutor(conn, s.logger)
	return s
}

// Register adds the routes to r.
func (s *Server) Register(r *httputil.Router) {
	g := r.Group(s.baseURL)
	g.HandleFunc("GET /{$}", s.handleTables)
	g.HandleFunc("POST /"+ResetCachePath, s.handleResetCache)
	g.HandleFunc("GET /{table}", s.handleSelect)
	g.HandleFunc("POST /{table}", s.handleInsert)
}

// Handler returns the routes behind the request id and logging middleware.
func (s *Server) Handler() http.Handler {
	r := httputil.NewRouter(httputil.WithLogger(s.logger))
	r.Use(middleware.RequestID, middleware.LoggerWithOptions(&middleware.LoggerOptions{Logger: s.logger}))
	s.Register(r)
	return r
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.cache.Tables(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if tables == nil {
		tables = []string{}
	}
	httputil.JSON(w, http.StatusOK, tables)
}

func (s *Server) handleResetCache(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.ResetAll(); err != nil {
		s.fail(w, r, err)
		return
	}
	middleware.LoggerFromContext(r.Context(), s.logger).Info("table stats cache reset")
	httputil.NoContent(w)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params, err := query.ParseParams(r.URL.Query())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	ast, err := s.compiler.CompileSelect(ctx, r.PathValue("table"), params)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ast.Stats {
		httputil.JSON(w, http.StatusOK, query.StatsRows(ast.Source))
		return
	}

	stmt, err := query.BuildSelect(ast)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rows, err := s.executor.Select(ctx, stmt, ast.Columns)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, rows)
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params, err := query.ParseParams(r.URL.Query())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(w, r, errs.Newf(errs.KindClientValidation, errs.CodeIncorrectRequest, "body exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.fail(w, r, errs.Wrap(errs.KindClientValidation, errs.CodeIncorrectRequest, "read body", err))
		return
	}

	ast, err := s.compiler.CompileInsert(ctx, r.PathValue("table"), params, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	stmts, err := query.BuildInsert(ast)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.executor.Insert(ctx, stmts, ast.Returning)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusCreated, res)
}

// fail writes err as an error response. Client errors are logged at debug level, the
// rest at error level.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	logger := middleware.LoggerFromContext(r.Context(), s.logger)
	status := errs.HTTPStatus(err)
	kind := errs.KindOf(err)

	if errs.IsClient(err) {
		metrics.CompileErrors.WithLabelValues(kind.String()).Inc()
		logger.Debug("request rejected", zap.String("kind", kind.String()), zap.Error(err))
	} else {
		logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = http.StatusText(status)
	}
	httputil.Error(w, status, httputil.ErrorResponse{
		Code:      errs.Code(err),
		Message:   message,
		Details:   details(err),
		RequestID: middleware.RequestIDFromContext(r.Context()),
	})
}

func details(err error) any {
	var up *errs.UnresolvedPathError
	if errors.As(err, &up) {
		return map[string]string{"path": up.Path, "segment": up.Segment}
	}
	var tm *errs.TypeMismatchError
	if errors.As(err, &tm) {
		return map[string]string{"column": tm.Column, "expected": tm.Expected}
	}
	var ex *errs.ExecutionError
	if errors.As(err, &ex) && ex.SQLState != "" {
		d := map[string]string{"sqlstate": ex.SQLState}
		if ex.Constraint != "" {
			d["constraint"] = ex.Constraint
		}
		return d
	}
	return nil
}
