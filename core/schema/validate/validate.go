// Package validate checks exported artifacts against their embedded
// JSON Schemas before any hashing is attempted, so shape problems are
// reported as such rather than as chain failures.
package validate

import (
	"bufio"
	"bytes"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"github.com/evidara/trialtrace/core/errors"
	"github.com/evidara/trialtrace/core/schema/spec"
)

var (
	mu       sync.Mutex
	compiled = map[string]*jsonschema.Schema{}
)

func schemaFor(name string) (*jsonschema.Schema, error) {
	mu.Lock()
	defer mu.Unlock()
	if schema, ok := compiled[name]; ok {
		return schema, nil
	}
	data, err := spec.Read(name)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternalFailure, "schema_missing", "embedded schema not found")
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(data)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternalFailure, "schema_compile", "embedded schema failed to compile")
	}
	compiled[name] = schema
	return schema, nil
}

// JSON validates a single document against the named schema.
func JSON(name string, data []byte) error {
	schema, err := schemaFor(name)
	if err != nil {
		return err
	}
	return validateJSON(name, schema, data)
}

// JSONL validates each non-empty line against the named schema.
func JSONL(name string, data []byte) error {
	schema, err := schemaFor(name)
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		if err := validateJSON(name, schema, b); err != nil {
			return errors.Wrap(fmt.Errorf("line %d: %w", line, err),
				errors.CategoryInvalidInput, "artifact_shape", "artifact record does not match its schema")
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, errors.CategoryIOFailure, "artifact_read", "read jsonl artifact")
	}
	return nil
}

func validateJSON(name string, schema *jsonschema.Schema, data []byte) error {
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return errors.Wrap(fmt.Errorf("%s: %v", name, result.Errors),
		errors.CategoryInvalidInput, "artifact_shape", "artifact does not match its schema")
}
