package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.trai.ch/zerr"
)

//go:embed payload.json
var payloadSchema []byte

const payloadSchemaURL = "https://burrow.cuemby.com/schemas/payload.json"

// ErrInvalidPayload is returned when a payload fails validation
var ErrInvalidPayload = zerr.New("invalid task payload")

// ValidationError lists every problem found in a payload
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%d problem(s) in task payload", len(e.Problems))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidPayload
}

// Validator checks raw payloads against the payload schema
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the embedded payload schema
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	c.AssertFormat = true

	if err := c.AddResource(payloadSchemaURL, bytes.NewReader(payloadSchema)); err != nil {
		return nil, fmt.Errorf("failed to load payload schema: %w", err)
	}
	s, err := c.Compile(payloadSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile payload schema: %w", err)
	}
	return &Validator{schema: s}, nil
}

// Validate checks raw and decodes it. A payload that is not valid JSON or
// does not match the schema returns a *ValidationError.
func (v *Validator) Validate(raw json.RawMessage) (*types.Payload, error) {
	if len(raw) == 0 {
		return nil, &ValidationError{Problems: []string{"payload is empty"}}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("payload is not valid JSON: %v", err)}}
	}

	if err := v.schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, &ValidationError{Problems: flatten(ve)}
		}
		return nil, fmt.Errorf("failed to validate payload: %w", err)
	}

	var payload types.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &ValidationError{Problems: []string{err.Error()}}
	}
	return &payload, nil
}

// flatten collects the leaf messages of a validation error tree
func flatten(ve *jsonschema.ValidationError) []string {
	var problems []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			problems = append(problems, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Strings(problems)
	return problems
}
