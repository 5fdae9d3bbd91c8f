// Package rest exposes the tables of one PostgreSQL schema over HTTP.
//
// Tables are addressed as {base}/{table}. Reads and writes are driven by query
// parameters that the query compiler validates against the schema cache before any
// statement reaches the database:
//
//	Route                                  | Description
//	---------------------------------------|---------------------------------------------
//	GET  {base}/                           | names of the exposed tables
//	GET  {base}/{table}                    | rows, or column statistics without `columns`
//	POST {base}/{table}                    | insert a JSON object or array of objects
//	POST {base}/reset_table_stats_cache    | drop every cached table snapshot
//
// Read parameters:
//
//	Parameter                      | Description
//	-------------------------------|----------------------------------------------
//	?columns=id,parent_id.name AS p | output columns; dotted paths follow foreign keys
//	?distinct=parent_id.name       | DISTINCT ON, paths must already be joined
//	?where=id > 10 AND name LIKE 'R%' | boolean expression over columns and literals
//	?group_by=name                 | GROUP BY
//	?order_by=id DESC,name         | ORDER BY
//	?limit=100                     | row cap, defaults to the configured maximum
//	?offset=0                      | rows to skip
//
// Write parameters:
//
//	Parameter                       | Description
//	--------------------------------|---------------------------------------------
//	?conflict_action=update|nothing | ON CONFLICT action, requires conflict_target
//	?conflict_target=id             | columns of a primary key or unique constraint
//	?returning_columns=id,name      | return the inserted rows instead of a count
//
// Errors are returned as {"code": "...", "message": "...", "details": ...} with the status
// chosen by errs.HTTPStatus.
//
// Example usage:
//
//	srv := rest.NewServer(pool, cache, rest.WithLogger(logger), rest.WithBaseURL("/api"))
//	router := httputil.NewRouter(httputil.WithLogger(logger))
//	router.Use(middleware.RequestID, middleware.LoggerWithOptions(&middleware.LoggerOptions{Logger: logger}))
//	srv.Register(router)
//	log.Fatal(router.ListenAndServe(":8080"))
package rest
