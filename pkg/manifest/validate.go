package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	schemasassets "github.com/dataloft/tabflow/internal/assets/schemas"
	"github.com/fulmenhq/gofulmen/schema"
)

// ErrValidationFailed indicates a document violated the batch manifest
// schema. ValidationErrors carrying the individual violations unwrap to it.
var ErrValidationFailed = errors.New("batch manifest validation failed")

// ValidationError is one schema violation, located by JSON pointer.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors aggregates every violation from one validation pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return ErrValidationFailed.Error()
	case 1:
		return e[0].Error()
	}
	parts := make([]string, len(e))
	for i, v := range e {
		parts[i] = v.Error()
	}
	return fmt.Sprintf("batch manifest has %d schema violations: %s",
		len(e), strings.Join(parts, "; "))
}

func (e ValidationErrors) Unwrap() error { return ErrValidationFailed }

// Validate checks a decoded manifest against the batch manifest schema.
//
// Unknown fields are already lost at this point; use ValidateRaw on the
// original document when strict checking matters (Parse does).
func Validate(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode batch manifest for validation: %w", err)
	}
	return ValidateRaw(data)
}

// ValidateRaw checks a raw JSON document against the embedded batch
// manifest schema. The schema is compiled once and reused; embedding it at
// build time means installed binaries validate without schema files on
// disk.
func ValidateRaw(jsonData []byte) error {
	v, err := loadValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("validate batch manifest: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity != schema.SeverityError {
			continue
		}
		errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

func loadValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		validator, validatorErr = schema.NewValidator(schemasassets.BatchManifestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("compile batch manifest schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}
