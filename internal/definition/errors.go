package definition

import (
	"errors"
	"strings"
)

// ErrInvalid is matched by every error that rejects a definition before any
// step runs.
var ErrInvalid = errors.New("invalid pipeline definition")

// SchemaError reports a document that does not match the definition schema
// or cannot be decoded into a Definition.
type SchemaError struct {
	Problems []string
}

func (e *SchemaError) Error() string {
	return "definition does not match schema: " + strings.Join(e.Problems, "; ")
}

// Is reports true for ErrInvalid.
func (e *SchemaError) Is(target error) bool {
	return target == ErrInvalid
}
