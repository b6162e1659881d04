// Package schema validates inbound documents against JSON Schemas compiled once at startup.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/claimflow/claimflow/internal/apperr"
)

// Validator checks documents against one compiled schema.
type Validator struct {
	name   string
	schema *jsonschema.Schema
}

// Compile compiles src under name. name only identifies the schema in errors.
func Compile(name string, src []byte) (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(src)); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	s, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Validator{name: name, schema: s}, nil
}

// MustCompile is like Compile but panics on error. For embedded schemas only.
func MustCompile(name string, src []byte) *Validator {
	v, err := Compile(name, src)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate decodes data and checks it. Failures are MALFORMED_PAYLOAD errors.
func (v *Validator) Validate(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return apperr.Wrap(apperr.KindMalformedPayload, "schema.validate", err, "%s: invalid JSON", v.name)
	}
	return v.ValidateValue(doc)
}

// ValidateValue checks an already decoded document.
func (v *Validator) ValidateValue(doc any) error {
	if err := v.schema.Validate(doc); err != nil {
		return apperr.Wrap(apperr.KindMalformedPayload, "schema.validate", err, "%s: does not match schema", v.name)
	}
	return nil
}
