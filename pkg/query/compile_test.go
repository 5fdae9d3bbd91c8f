package query

import (
	"context"
	"testing"

	"github.com/edgeflare/pgrest/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileSelect(t *testing.T) {
	ctx := context.Background()
	c := NewCompiler(newTables(t))

	t.Run("columns across foreign keys", func(t *testing.T) {
		ast, err := c.CompileSelect(ctx, "Child", RawParams{
			Columns: ptr("id, name, parent_id.name as parent_name, parent_id.company_id.name as company"),
			Where:   ptr("id = 1000"),
			OrderBy: ptr("id DESC"),
			Limit:   ptr("5"),
		})
		require.NoError(t, err)
		assert.False(t, ast.Stats)
		assert.Equal(t, "child", ast.Table)
		assert.Equal(t, []string{"id", "name", "parent_name", "company"}, ColumnKeys(ast.Columns))
		assert.Equal(t, "t2", ast.Columns[3].Ref.TableAlias)
		assert.Len(t, ast.Columns[3].Hops, 2)
		assert.Len(t, ast.Joins, 2)
		assert.Equal(t, []Order{{Ref: ast.Columns[0].Ref, Desc: true}}, ast.OrderBy)
		assert.Equal(t, uint64(5), ast.Limit)
		assert.Zero(t, ast.Offset)
		assert.NotNil(t, ast.Where)
	})

	t.Run("no columns is a statistics request", func(t *testing.T) {
		ast, err := c.CompileSelect(ctx, "child", RawParams{Where: ptr("this is ignored")})
		require.NoError(t, err)
		assert.True(t, ast.Stats)
		require.NotNil(t, ast.Source)
		assert.Equal(t, "child", ast.Source.Name)
	})

	t.Run("distinct must name a selected join", func(t *testing.T) {
		_, err := c.CompileSelect(ctx, "child", RawParams{Columns: ptr("id"), Distinct: ptr("parent_id.name")})
		assert.Equal(t, errs.CodeUnresolvedPath, errs.Code(err))

		ast, err := c.CompileSelect(ctx, "child", RawParams{Columns: ptr("parent_id.name"), Distinct: ptr("parent_id.name")})
		require.NoError(t, err)
		assert.Equal(t, "t1", ast.Distinct[0].TableAlias)
	})

	t.Run("group by and order by may add joins", func(t *testing.T) {
		ast, err := c.CompileSelect(ctx, "child", RawParams{Columns: ptr("name"), GroupBy: ptr("name"), OrderBy: ptr("parent_id.name")})
		require.NoError(t, err)
		assert.Len(t, ast.GroupBy, 1)
		assert.Len(t, ast.Joins, 1)
	})

	t.Run("distinct leads order by", func(t *testing.T) {
		ast, err := c.CompileSelect(ctx, "child", RawParams{
			Columns:  ptr("id, name, parent_id.name as parent"),
			Distinct: ptr("parent_id.name, name"),
			OrderBy:  ptr("name, parent_id.name desc, id"),
		})
		require.NoError(t, err)
		assert.Len(t, ast.Distinct, 2)
		assert.Len(t, ast.OrderBy, 3)

		_, err = c.CompileSelect(ctx, "child", RawParams{
			Columns:  ptr("id, name"),
			Distinct: ptr("name, id"),
			OrderBy:  ptr("name"),
		})
		require.NoError(t, err)
	})

	t.Run("limit is capped", func(t *testing.T) {
		capped := NewCompiler(newTables(t), WithMaxLimit(100))
		ast, err := capped.CompileSelect(ctx, "child", RawParams{Columns: ptr("id"), Limit: ptr("500"), Offset: ptr("-1")})
		require.NoError(t, err)
		assert.Equal(t, uint64(100), ast.Limit)
		assert.Zero(t, ast.Offset)

		ast, err = c.CompileSelect(ctx, "child", RawParams{Columns: ptr("id")})
		require.NoError(t, err)
		assert.Equal(t, uint64(DefaultLimit), ast.Limit)

		ast, err = c.CompileSelect(ctx, "child", RawParams{Columns: ptr("id"), Limit: ptr("0")})
		require.NoError(t, err)
		assert.Zero(t, ast.Limit)
	})

	failures := []struct {
		name  string
		table string
		p     RawParams
		kind  errs.Kind
		code  string
	}{
		{"unknown table", "nope", RawParams{Columns: ptr("id")}, errs.KindUnknownTable, errs.CodeUnknownTable},
		{"empty columns", "child", RawParams{Columns: ptr("")}, errs.KindClientValidation, errs.CodeInvalidParam},
		{"duplicate alias", "child", RawParams{Columns: ptr("id, name as id")}, errs.KindClientValidation, errs.CodeInvalidParam},
		{"unknown column", "child", RawParams{Columns: ptr("id, age")}, errs.KindClientValidation, errs.CodeUnresolvedPath},
		{"bad where", "child", RawParams{Columns: ptr("id"), Where: ptr("lower(name) = 'x'")}, errs.KindClientValidation, errs.CodeInvalidWhere},
		{"bad order", "child", RawParams{Columns: ptr("id"), OrderBy: ptr("id up")}, errs.KindClientValidation, errs.CodeInvalidParam},
		{"where type mismatch", "child", RawParams{Columns: ptr("id"), Where: ptr("id = 'x'")}, errs.KindTypeMismatch, errs.CodeTypeMismatch},
		{"order by before distinct", "child", RawParams{Columns: ptr("id, name"), Distinct: ptr("name"), OrderBy: ptr("id, name")}, errs.KindClientValidation, errs.CodeInvalidParam},
	}
	for _, tt := range failures {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.CompileSelect(ctx, tt.table, tt.p)
			require.Error(t, err)
			assert.Equal(t, tt.kind, errs.KindOf(err))
			assert.Equal(t, tt.code, errs.Code(err))
		})
	}
}

func TestCompileInsert(t *testing.T) {
	ctx := context.Background()
	c := NewCompiler(newTables(t))

	t.Run("single object", func(t *testing.T) {
		ast, err := c.CompileInsert(ctx, "child", RawParams{}, []byte(`{"id": 1000, "name": "Robb"}`))
		require.NoError(t, err)
		assert.Equal(t, []string{"id", "name"}, ast.Columns)
		assert.Equal(t, []map[string]any{{"id": int32(1000), "name": "Robb"}}, ast.Rows)
		assert.Empty(t, ast.Returning)
	})

	t.Run("columns are the union in table order", func(t *testing.T) {
		ast, err := c.CompileInsert(ctx, "child", RawParams{}, []byte(`[{"parent_id": 1}, {"name": "Sansa"}, {}]`))
		require.NoError(t, err)
		assert.Equal(t, []string{"name", "parent_id"}, ast.Columns)
		assert.Len(t, ast.Rows, 3)
		assert.Empty(t, ast.Rows[2])
	})

	t.Run("conflict and returning", func(t *testing.T) {
		ast, err := c.CompileInsert(ctx, "item", RawParams{
			ConflictAction:   ptr("UPDATE"),
			ConflictTarget:   ptr("code, region"),
			ReturningColumns: ptr("id, sku as ref"),
		}, []byte(`{"region": "north", "code": 7, "note": "x"}`))
		require.NoError(t, err)
		assert.Equal(t, ConflictUpdate, ast.ConflictAction)
		assert.Equal(t, []string{"code", "region"}, ast.ConflictTarget)
		assert.Equal(t, []string{"id", "ref"}, ColumnKeys(ast.Returning))
		assert.Equal(t, "uuid", ast.Returning[1].Ref.Type.String())
	})

	failures := []struct {
		name string
		p    RawParams
		body string
		kind errs.Kind
		code string
	}{
		{"empty body", RawParams{}, ``, errs.KindClientValidation, errs.CodeIncorrectRequest},
		{"malformed body", RawParams{}, `{"id":`, errs.KindClientValidation, errs.CodeIncorrectRequest},
		{"trailing data", RawParams{}, `{"id": 1} {"id": 2}`, errs.KindClientValidation, errs.CodeIncorrectRequest},
		{"scalar body", RawParams{}, `42`, errs.KindClientValidation, errs.CodeIncorrectRequest},
		{"empty array", RawParams{}, `[]`, errs.KindClientValidation, errs.CodeIncorrectRequest},
		{"array of scalars", RawParams{}, `[{"id": 1}, 2]`, errs.KindClientValidation, errs.CodeIncorrectRequest},
		{"unknown column", RawParams{}, `{"id": 1, "age": 9}`, errs.KindUnknownColumn, errs.CodeUnknownColumn},
		{"type mismatch", RawParams{}, `{"id": "abc"}`, errs.KindTypeMismatch, errs.CodeTypeMismatch},
		{"action without target", RawParams{ConflictAction: ptr("nothing")}, `{"id": 1}`, errs.KindClientValidation, errs.CodeIncorrectRequest},
		{"target without action", RawParams{ConflictTarget: ptr("id")}, `{"id": 1}`, errs.KindClientValidation, errs.CodeIncorrectRequest},
		{"bad action", RawParams{ConflictAction: ptr("replace"), ConflictTarget: ptr("id")}, `{"id": 1}`, errs.KindClientValidation, errs.CodeIncorrectRequest},
		{"target not unique", RawParams{ConflictAction: ptr("nothing"), ConflictTarget: ptr("name")}, `{"id": 1}`, errs.KindClientValidation, errs.CodeInvalidConflictTarget},
		{"target unknown", RawParams{ConflictAction: ptr("nothing"), ConflictTarget: ptr("age")}, `{"id": 1}`, errs.KindUnknownColumn, errs.CodeUnknownColumn},
		{"empty returning", RawParams{ReturningColumns: ptr(" ")}, `{"id": 1}`, errs.KindClientValidation, errs.CodeIncorrectRequest},
		{"returning a path", RawParams{ReturningColumns: ptr("parent_id.name")}, `{"id": 1}`, errs.KindClientValidation, errs.CodeInvalidParam},
		{"returning unknown", RawParams{ReturningColumns: ptr("age")}, `{"id": 1}`, errs.KindUnknownColumn, errs.CodeUnknownColumn},
	}
	for _, tt := range failures {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.CompileInsert(ctx, "child", tt.p, []byte(tt.body))
			require.Error(t, err)
			assert.Equal(t, tt.kind, errs.KindOf(err))
			assert.Equal(t, tt.code, errs.Code(err))
		})
	}
}
