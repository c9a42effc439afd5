// Package monitor validates JSON documents against a schema contract.
package monitor

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ContractMonitor validates documents against one compiled JSON schema.
type ContractMonitor struct {
	name   string
	schema *gojsonschema.Schema
}

// NewContractMonitor loads and compiles the schema file at schemaPath.
// The path should be absolute or relative to the working directory.
func NewContractMonitor(schemaPath string) (*ContractMonitor, error) {
	return compile(schemaPath, gojsonschema.NewReferenceLoader("file://"+schemaPath))
}

// NewContractMonitorFromString compiles an inline schema. name only
// appears in error messages.
func NewContractMonitorFromString(name, schema string) (*ContractMonitor, error) {
	return compile(name, gojsonschema.NewStringLoader(schema))
}

// MustContractMonitor is NewContractMonitorFromString for schemas built into
// the binary; it panics if the schema does not compile.
func MustContractMonitor(name, schema string) *ContractMonitor {
	cm, err := NewContractMonitorFromString(name, schema)
	if err != nil {
		panic(err)
	}
	return cm
}

func compile(name string, loader gojsonschema.JSONLoader) (*ContractMonitor, error) {
	schema, err := gojsonschema.NewSchema(loader)
	if err != nil {
		return nil, fmt.Errorf("error loading or compiling schema %s: %w", name, err)
	}
	return &ContractMonitor{name: name, schema: schema}, nil
}

// Validate checks a raw JSON document. It returns true if the document is
// valid, or false and the list of violations if not. A document that is not
// JSON at all is reported through the error.
func (cm *ContractMonitor) Validate(document []byte) (bool, []string, error) {
	return cm.validate(gojsonschema.NewBytesLoader(document))
}

// ValidateValue checks an already decoded value, such as the map produced
// by a YAML decoder.
func (cm *ContractMonitor) ValidateValue(v any) (bool, []string, error) {
	return cm.validate(gojsonschema.NewGoLoader(v))
}

func (cm *ContractMonitor) validate(doc gojsonschema.JSONLoader) (bool, []string, error) {
	result, err := cm.schema.Validate(doc)
	if err != nil {
		return false, nil, fmt.Errorf("error during validation against %s: %w", cm.name, err)
	}
	if result.Valid() {
		return true, nil, nil
	}
	var violations []string
	for _, desc := range result.Errors() {
		violations = append(violations, desc.String())
	}
	return false, violations, nil
}

// FormatErrors joins validation errors into a single string.
func FormatErrors(validationErrors []string) string {
	if len(validationErrors) == 0 {
		return ""
	}
	return "Validation errors: " + strings.Join(validationErrors, "; ")
}
