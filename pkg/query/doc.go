// Package query compiles REST query parameters into parameterized SQL and maps the
// result rows back to JSON.
//
// The pipeline has four stages, each usable on its own:
//
//	ast, err := compiler.CompileSelect(ctx, "child", params) // validate against the schema cache
//	stmt, err := query.BuildSelect(ast)                      // render SQL text + bound args
//	rows, err := executor.Select(ctx, stmt, ast.Columns)     // run and map rows by alias
//
// Column paths such as parent_id.company_id.name follow single column foreign keys; each
// distinct hop prefix becomes one LEFT JOIN with a stable alias (t1, t2, ... in discovery
// order, the base table is t0). Identifiers reach the SQL text only after they were
// checked against the catalog snapshot and quoted; every value, including limit and
// offset, is a bound parameter.
package query
