package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"error", New(KindUnknownColumn, CodeUnknownColumn, "no such column"), KindUnknownColumn},
		{"wrapped", fmt.Errorf("compile: %w", New(KindUnknownTable, CodeUnknownTable, "x")), KindUnknownTable},
		{"path", &UnresolvedPathError{Path: "a.b", Segment: "a", Reason: "not a foreign key"}, KindClientValidation},
		{"mismatch", &TypeMismatchError{Column: "id", Expected: "integer", Got: "string"}, KindTypeMismatch},
		{"execution", &ExecutionError{SQLState: "23505"}, KindDatabaseExecution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestPredicates(t *testing.T) {
	introspect := Wrap(KindSchemaIntrospection, CodeIntrospection, "catalog query", errors.New("conn reset"))
	assert.True(t, IsRetryable(introspect))
	assert.False(t, IsClient(introspect))

	unknown := New(KindUnknownTable, CodeUnknownTable, "table nope not found")
	assert.True(t, IsClient(unknown))
	assert.True(t, IsUnknownTable(unknown))
	assert.False(t, IsRetryable(unknown))

	assert.True(t, IsClient(&TypeMismatchError{Column: "id"}))
	assert.False(t, IsClient(&ExecutionError{SQLState: "23505"}))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{New(KindClientValidation, CodeInvalidParam, "bad"), http.StatusBadRequest},
		{&UnresolvedPathError{}, http.StatusBadRequest},
		{&TypeMismatchError{}, http.StatusBadRequest},
		{New(KindUnknownTable, CodeUnknownTable, "x"), http.StatusNotFound},
		{New(KindCacheDisabled, CodeCacheDisabled, "x"), http.StatusBadRequest},
		{Wrap(KindSchemaIntrospection, CodeIntrospection, "x", errors.New("eof")), http.StatusServiceUnavailable},
		{&ExecutionError{SQLState: "23505", ConstraintViolation: true}, http.StatusConflict},
		{&ExecutionError{SQLState: "22P02"}, http.StatusBadRequest},
		{&ExecutionError{Connection: true}, http.StatusServiceUnavailable},
		{&ExecutionError{SQLState: "XX000"}, http.StatusInternalServerError},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), tt.err.Error())
	}
}

func TestCode(t *testing.T) {
	assert.Equal(t, CodeUnknownColumn, Code(New(KindUnknownColumn, CodeUnknownColumn, "x")))
	assert.Equal(t, CodeConstraintViolation, Code(&ExecutionError{ConstraintViolation: true}))
	assert.Equal(t, CodeConnection, Code(&ExecutionError{Connection: true}))
	assert.Equal(t, CodeUnresolvedPath, Code(&UnresolvedPathError{}))
	assert.Equal(t, CodeTypeMismatch, Code(&TypeMismatchError{}))
}

func TestErrorMessage(t *testing.T) {
	err := Wrap(KindSchemaIntrospection, CodeIntrospection, "inspect child", errors.New("eof"))
	assert.Equal(t, "[schema_introspection] inspect child: eof", err.Error())
	assert.Equal(t, "[unknown_column] nope", New(KindUnknownColumn, CodeUnknownColumn, "nope").Error())
}
