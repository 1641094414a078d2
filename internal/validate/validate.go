// Package validate checks rows against registered row shapes before a table
// accepts them.
package validate

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"gopkg.in/go-playground/validator.v9"

	dberrors "github.com/merkledb/merkledb/internal/errors"
	"github.com/merkledb/merkledb/pkg/types"
)

// Validator accepts or rejects a row for a schema id and version.
type Validator interface {
	Validate(schemaID, version string, row types.Row) error
}

// Func adapts a plain function to Validator.
type Func func(schemaID, version string, row types.Row) error

func (f Func) Validate(schemaID, version string, row types.Row) error {
	return f(schemaID, version, row)
}

// FieldError describes one failed field rule.
type FieldError struct {
	Field   string
	Rule    string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Message)
}

// FieldErrors is a collection of field errors for one row.
type FieldErrors []*FieldError

func (e FieldErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Shape maps a field name to a validator tag, e.g. "required,min=1".
// Besides the stock validator tags a shape may use the kind tags string,
// number, integer, bool, array and object.
type Shape map[string]string

// Registry holds shapes by schema id and version and validates rows with
// go-playground/validator.
type Registry struct {
	mu     sync.RWMutex
	shapes map[string]Shape
	v      *validator.Validate
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	v := validator.New()
	for tag, fn := range kindRules {
		if err := v.RegisterValidation(tag, fn); err != nil {
			panic(err)
		}
	}
	return &Registry{shapes: make(map[string]Shape), v: v}
}

func shapeKey(schemaID, version string) string {
	if version == "" {
		return schemaID
	}
	return schemaID + "@" + version
}

// Register stores a shape. Every rule is compiled up front so that a bad tag
// fails here rather than while a row is being inserted.
func (r *Registry) Register(schemaID, version string, shape Shape) error {
	if schemaID == "" {
		return dberrors.NewValidationError(dberrors.CodeInvalidDefinition, "schema id is required")
	}
	for field, rule := range shape {
		if err := r.compile(rule); err != nil {
			return dberrors.NewValidationError(dberrors.CodeInvalidDefinition,
				fmt.Sprintf("schema %s field %q: %v", schemaID, field, err))
		}
	}

	cp := make(Shape, len(shape))
	for k, v := range shape {
		cp[k] = v
	}
	r.mu.Lock()
	r.shapes[shapeKey(schemaID, version)] = cp
	r.mu.Unlock()
	return nil
}

// compile runs the rule once; validator panics on unknown tags.
func (r *Registry) compile(rule string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("invalid rule %q: %v", rule, p)
		}
	}()
	_ = r.v.Var("", rule)
	return nil
}

// Has reports whether a shape is registered for the id and version.
func (r *Registry) Has(schemaID, version string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.shapes[shapeKey(schemaID, version)]
	return ok
}

// Validate checks row against the shape registered for schemaID and version,
// falling back to the unversioned shape. Fields absent from the row are only
// checked when their rule starts with "required".
func (r *Registry) Validate(schemaID, version string, row types.Row) error {
	r.mu.RLock()
	shape, ok := r.shapes[shapeKey(schemaID, version)]
	if !ok {
		shape, ok = r.shapes[schemaID]
	}
	r.mu.RUnlock()
	if !ok {
		return dberrors.NewNotFoundError(dberrors.CodeSchemaNotFound,
			fmt.Sprintf("no shape registered for %s", shapeKey(schemaID, version)))
	}

	fields := make([]string, 0, len(shape))
	for f := range shape {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var errs FieldErrors
	for _, field := range fields {
		rule := shape[field]
		value, present := row.Get(field)
		if !present && !strings.HasPrefix(rule, "required") {
			continue
		}
		if err := r.v.Var(value, rule); err != nil {
			errs = append(errs, fieldErrors(field, err)...)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return dberrors.Wrap(dberrors.ErrCategoryValidation, dberrors.CodeSchemaMismatch,
		fmt.Sprintf("row does not match %s", shapeKey(schemaID, version)), errs).
		WithDetails(map[string]interface{}{"fields": errs.fields()})
}

func (e FieldErrors) fields() []string {
	out := make([]string, len(e))
	for i, fe := range e {
		out[i] = fe.Field
	}
	return out
}

func fieldErrors(field string, err error) []*FieldError {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []*FieldError{{Field: field, Message: err.Error()}}
	}
	out := make([]*FieldError, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("failed rule %q", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed rule %q (%s)", fe.Tag(), fe.Param())
		}
		out = append(out, &FieldError{Field: field, Rule: fe.Tag(), Message: msg})
	}
	return out
}

var kindRules = map[string]validator.Func{
	"string": func(fl validator.FieldLevel) bool {
		return fl.Field().Kind() == reflect.String
	},
	"number": func(fl validator.FieldLevel) bool {
		switch fl.Field().Kind() {
		case reflect.Int64, reflect.Float64:
			return true
		}
		return false
	},
	"integer": func(fl validator.FieldLevel) bool {
		return fl.Field().Kind() == reflect.Int64
	},
	"bool": func(fl validator.FieldLevel) bool {
		return fl.Field().Kind() == reflect.Bool
	},
	"array": func(fl validator.FieldLevel) bool {
		return fl.Field().Kind() == reflect.Slice
	},
	"object": func(fl validator.FieldLevel) bool {
		return fl.Field().Kind() == reflect.Map
	},
}
