package recording

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed recording.schema.json
var schemaJSON string

const schemaURL = "recording.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compileSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

func validateSchema(raw []byte) error {
	schema, err := compileSchema()
	if err != nil {
		return &LoadError{Code: ErrCodeSchemaViolation, Err: err}
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return &LoadError{Code: ErrCodeInvalidDocument, Err: err}
	}
	if err := schema.Validate(payload); err != nil {
		return &LoadError{Code: ErrCodeSchemaViolation, Err: err}
	}
	return nil
}
