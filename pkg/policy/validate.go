package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"

	schemasassets "github.com/ASTGD/ValidEmailVerifierGUI-sub000/internal/assets/schemas"
)

// Validation errors
var (
	// ErrSchemaNotFound indicates the embedded schema is missing.
	ErrSchemaNotFound = errors.New("policy schema not found")

	// ErrValidationFailed indicates the policy failed validation.
	ErrValidationFailed = errors.New("policy validation failed")
)

// Cached schema instance (compiled once from embedded schema)
var (
	schemaOnce sync.Once
	compiled   *jsonschema.Schema
	schemaErr  error
)

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/tempfail/reasons").
	Path string

	// Message describes the validation failure.
	Message string
}

// Error implements error interface.
func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("policy validation failed with ")
	b.WriteString(fmt.Sprintf("%d errors:\n", len(e)))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error type.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate checks the policy against the JSON schema and the rules the
// schema cannot express.
func Validate(p *Policy) error {
	if p == nil {
		return ValidationErrors{{Message: "policy is nil"}}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to serialize policy for validation: %w", err)
	}
	if err := ValidateRaw(data); err != nil {
		return err
	}

	var errs ValidationErrors
	for i, rule := range p.Routing {
		if !doublestar.ValidatePattern(rule.Pattern) {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("/routing/%d/pattern", i),
				Message: fmt.Sprintf("invalid glob pattern %q", rule.Pattern),
			})
		}
	}
	if p.Tempfail.Enabled && len(p.Tempfail.Reasons) == 0 {
		errs = append(errs, ValidationError{Path: "/tempfail/reasons", Message: "at least one reason is required when tempfail retry is enabled"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// ValidateRaw checks raw JSON data against the policy schema, including
// rejection of unknown fields.
func ValidateRaw(jsonData []byte) error {
	s, err := getSchema()
	if err != nil {
		return err
	}

	var doc any
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return fmt.Errorf("invalid JSON in policy: %w", err)
	}

	err = s.Validate(doc)
	if err == nil {
		return nil
	}

	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return fmt.Errorf("schema validation error: %w", err)
	}

	errs := collectLeaves(verr, nil)
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Path < errs[j].Path })
	return errs
}

func collectLeaves(e *jsonschema.ValidationError, out ValidationErrors) ValidationErrors {
	if len(e.Causes) == 0 {
		return append(out, ValidationError{Path: e.InstanceLocation, Message: e.Message})
	}
	for _, c := range e.Causes {
		out = collectLeaves(c, out)
	}
	return out
}

// getSchema returns a cached schema compiled from the embedded document.
func getSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		if len(schemasassets.PolicySchema) == 0 {
			schemaErr = fmt.Errorf("%w: embedded pipeline-policy schema is empty", ErrSchemaNotFound)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemasassets.PolicySchemaURL, bytes.NewReader(schemasassets.PolicySchema)); err != nil {
			schemaErr = fmt.Errorf("failed to add policy schema: %w", err)
			return
		}
		compiled, schemaErr = compiler.Compile(schemasassets.PolicySchemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("failed to compile policy schema: %w", schemaErr)
		}
	})
	return compiled, schemaErr
}
