package config

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// ValidationError is one schema violation.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) String() string {
	if e.Path == "" {
		return e.Message
	}
	return e.Path + ": " + e.Message
}

// SchemaError lists every violation found in a document.
type SchemaError struct {
	Errors []ValidationError
}

func (e *SchemaError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		msgs = append(msgs, ve.String())
	}
	return "configuration does not match schema: " + strings.Join(msgs, "; ")
}

// Schema checks raw configuration documents against the embedded CUE
// definition. A cue.Context is not safe for concurrent use, so checks are
// serialized.
type Schema struct {
	mu     sync.Mutex
	ctx    *cue.Context
	config cue.Value
}

// NewSchema compiles the embedded schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}

	def := val.LookupPath(cue.ParsePath("#Config"))
	if !def.Exists() {
		return nil, fmt.Errorf("config schema has no #Config definition")
	}
	return &Schema{ctx: ctx, config: def}, nil
}

// Check validates a decoded YAML or JSON document.
func (s *Schema) Check(doc map[string]interface{}) error {
	if doc == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.ctx.Encode(doc)
	if err := data.Err(); err != nil {
		return fmt.Errorf("failed to encode config document: %w", err)
	}

	unified := s.config.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &SchemaError{Errors: convertCUEErrors(err)}
	}
	return nil
}

func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		out = append(out, ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		})
	}
	return out
}
