package query

import (
	"context"
	"errors"
	"time"

	"github.com/edgeflare/pgrest/pkg/errs"
	"github.com/edgeflare/pgrest/pkg/metrics"
	pg "github.com/edgeflare/pgrest/pkg/pgx"
	"github.com/edgeflare/pgrest/pkg/pgx/codec"
	"github.com/edgeflare/pgrest/pkg/pgx/schema"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Executor runs built statements and maps their rows to JSON ready values.
type Executor struct {
	conn   pg.Conn
	logger *zap.Logger
}

func NewExecutor(conn pg.Conn, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{conn: conn, logger: logger}
}

// Select runs stmt and returns one Row per result row, keyed by the aliases of specs.
func (e *Executor) Select(ctx context.Context, stmt Statement, specs []ColumnSpec) (rows []Row, err error) {
	start := time.Now()
	defer func() { e.observe(metrics.StatementSelect, stmt, start, err) }()

	rows, err = queryRows(ctx, e.conn, stmt, specs)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []Row{}
	}
	return rows, nil
}

// Insert runs stmts, in one transaction when there is more than one. With returning it
// collects the returned rows, otherwise it counts affected rows.
func (e *Executor) Insert(ctx context.Context, stmts []Statement, returning []ColumnSpec) (res InsertResult, err error) {
	exec := func(conn pg.Conn, stmt Statement) error {
		if len(returning) > 0 {
			rows, err := queryRows(ctx, conn, stmt, returning)
			if err != nil {
				return err
			}
			res.Rows = append(res.Rows, rows...)
			res.NumRows += int64(len(rows))
			return nil
		}
		tag, err := conn.Exec(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			return executionError(err)
		}
		res.NumRows += tag.RowsAffected()
		return nil
	}
	run := func(conn pg.Conn) error {
		for _, stmt := range stmts {
			start := time.Now()
			err := exec(conn, stmt)
			e.observe(metrics.StatementInsert, stmt, start, err)
			if err != nil {
				return err
			}
		}
		return nil
	}

	if len(stmts) == 1 {
		err = run(e.conn)
	} else {
		err = e.inTx(ctx, run)
	}
	if err != nil {
		return InsertResult{}, err
	}
	if len(returning) > 0 && res.Rows == nil {
		res.Rows = []Row{}
	}
	return res, nil
}

// inTx runs fn in a transaction, committing on success and rolling back otherwise.
func (e *Executor) inTx(ctx context.Context, fn func(pg.Conn) error) error {
	tx, err := e.conn.Begin(ctx)
	if err != nil {
		return executionError(err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			e.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return executionError(err)
	}
	return nil
}

// StatsRows answers a statistics request from the cached snapshot.
func StatsRows(t *schema.TableStats) []schema.ColumnStat {
	return t.ColumnStats()
}

func (e *Executor) observe(statement string, stmt Statement, start time.Time, err error) {
	metrics.ObserveStatement(statement, start, err)
	if ce := e.logger.Check(zap.DebugLevel, "statement executed"); ce != nil {
		ce.Write(
			zap.String("sql", stmt.SQL),
			zap.Int("args", len(stmt.Args)),
			zap.Duration("took", time.Since(start)),
			zap.Error(err))
	}
}

func queryRows(ctx context.Context, conn pg.Conn, stmt Statement, specs []ColumnSpec) ([]Row, error) {
	rs, err := conn.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, executionError(err)
	}
	defer rs.Close()

	keys := ColumnKeys(specs)
	var rows []Row
	for rs.Next() {
		raw, err := rs.Values()
		if err != nil {
			return nil, executionError(err)
		}
		if len(raw) != len(specs) {
			return nil, &errs.ExecutionError{Message: "result has an unexpected number of columns"}
		}
		values := make([]any, len(raw))
		for i, v := range raw {
			if values[i], err = codec.FromValue(v, specs[i].Ref.Type); err != nil {
				return nil, &errs.ExecutionError{Message: "decode column " + specs[i].Alias, Cause: err}
			}
		}
		rows = append(rows, Row{Keys: keys, Values: values})
	}
	if err := rs.Err(); err != nil {
		return nil, executionError(err)
	}
	return rows, nil
}

// executionError classifies err by SQLSTATE. Errors already classified pass through.
func executionError(err error) error {
	var ex *errs.ExecutionError
	if errors.As(err, &ex) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		var class string
		if len(pgErr.Code) >= 2 {
			class = pgErr.Code[:2]
		}
		return &errs.ExecutionError{
			SQLState:            pgErr.Code,
			Constraint:          pgErr.ConstraintName,
			Message:             pgErr.Message,
			ConstraintViolation: class == "23",
			Connection:          class == "08",
			Cause:               err,
		}
	}

	var connectErr *pgconn.ConnectError
	return &errs.ExecutionError{
		Message:    err.Error(),
		Connection: errors.As(err, &connectErr) || pgconn.SafeToRetry(err) || pgconn.Timeout(err),
		Cause:      err,
	}
}
