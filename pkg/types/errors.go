package types

import "errors"

// Row and definition errors
var (
	// ErrInvalidRow is returned when a row cannot be built from the given input
	ErrInvalidRow = errors.New("invalid row")

	// ErrUnsupportedValue is returned when a value falls outside the row value model
	ErrUnsupportedValue = errors.New("unsupported value type")

	// ErrInvalidDefinition is returned when a table definition is malformed
	ErrInvalidDefinition = errors.New("invalid table definition")
)
