package validate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dberrors "github.com/merkledb/merkledb/internal/errors"
	"github.com/merkledb/merkledb/pkg/types"
)

func peopleRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register("people", "", Shape{
		"name":  "required,string,min=1",
		"count": "integer,gte=0",
		"tags":  "array,max=3",
		"email": "email",
	}))
	return r
}

func TestRegistry_Accepts(t *testing.T) {
	r := peopleRegistry(t)

	tests := []struct {
		name string
		row  types.Row
	}{
		{"minimal", types.NewRow("name", "ada")},
		{"all fields", types.NewRow("name", "ada", "count", int64(3), "tags", []interface{}{"a"}, "email", "ada@example.com")},
		{"extra field", types.NewRow("name", "ada", "other", true)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, r.Validate("people", "", tt.row))
		})
	}
}

func TestRegistry_Rejects(t *testing.T) {
	r := peopleRegistry(t)

	tests := []struct {
		name   string
		row    types.Row
		fields []string
	}{
		{"missing required", types.NewRow("count", int64(1)), []string{"name"}},
		{"wrong kind", types.NewRow("name", int64(7)), []string{"name"}},
		{"negative count", types.NewRow("name", "ada", "count", int64(-1)), []string{"count"}},
		{"float count", types.NewRow("name", "ada", "count", 1.5), []string{"count"}},
		{"too many tags", types.NewRow("name", "ada", "tags", []interface{}{"a", "b", "c", "d"}), []string{"tags"}},
		{"two fields", types.NewRow("name", "", "email", "nope"), []string{"email", "name"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate("people", "", tt.row)
			require.Error(t, err)
			assert.True(t, dberrors.IsValidation(err))
			assert.Equal(t, dberrors.CodeSchemaMismatch, dberrors.GetCode(err))

			var fe FieldErrors
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tt.fields, fe.fields())
		})
	}
}

func TestRegistry_Versions(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("people", "", Shape{"name": "required"}))
	require.NoError(t, r.Register("people", "2", Shape{"name": "required", "age": "required,integer"}))

	row := types.NewRow("name", "ada")
	assert.NoError(t, r.Validate("people", "1", row), "unknown version falls back to the unversioned shape")
	assert.Error(t, r.Validate("people", "2", row))
	assert.True(t, r.Has("people", "2"))
	assert.False(t, r.Has("people", "3"))
}

func TestRegistry_UnknownSchema(t *testing.T) {
	err := NewRegistry().Validate("ghost", "", types.NewRow("a", int64(1)))
	assert.True(t, dberrors.IsNotFound(err))
}

func TestRegistry_BadRule(t *testing.T) {
	r := NewRegistry()
	err := r.Register("people", "", Shape{"name": "no_such_rule"})
	require.Error(t, err)
	assert.Equal(t, dberrors.CodeInvalidDefinition, dberrors.GetCode(err))
	assert.False(t, r.Has("people", ""))
}

func TestFunc(t *testing.T) {
	var called string
	var v Validator = Func(func(schemaID, version string, row types.Row) error {
		called = schemaID
		return nil
	})
	require.NoError(t, v.Validate("people", "", types.Row{}))
	assert.Equal(t, "people", called)
}
