package request

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	schemasassets "github.com/3leaps/geoproc/internal/assets/schemas"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/fulmenhq/gofulmen/schema"
)

var (
	// ErrSchemaNotFound indicates the embedded request schema is missing.
	ErrSchemaNotFound = errors.New("request schema not found")

	// ErrValidationFailed indicates the request failed validation.
	ErrValidationFailed = errors.New("request validation failed")
)

var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError is a single validation issue.
type ValidationError struct {
	// Path points at the offending field (e.g. "/inputs/area/0/bbox").
	Path string

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
	fmt.Fprintf(&b, "request validation failed with %d errors:\n", len(e))
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

// ValidateRaw checks raw JSON against the embedded execution-request schema.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{Path: d.Pointer, Message: d.Message})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.ExecutionRequestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded execution-request schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.ExecutionRequestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile request schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

// Policy holds service-level limits applied to every request.
type Policy struct {
	// AllowedInputPaths are doublestar patterns a file:// href must match.
	// With no patterns, file:// hrefs are refused.
	AllowedInputPaths []string
}

var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"s3":    true,
	"file":  true,
}

// Validate checks the semantic rules the schema cannot express: one value
// kind per input, well-formed bounding boxes, and href policy.
func (r *Request) Validate(p Policy) error {
	if r == nil {
		return ValidationErrors{{Message: "request is nil"}}
	}

	var errs ValidationErrors
	switch r.Mode {
	case "", ModeAsync, ModeSync:
	default:
		errs = append(errs, ValidationError{Path: "/mode", Message: fmt.Sprintf("unknown mode %q", r.Mode)})
	}

	for _, id := range r.InputIDs() {
		for i, in := range r.Inputs[id] {
			path := fmt.Sprintf("/inputs/%s/%d", id, i)
			if err := in.validate(p); err != nil {
				errs = append(errs, ValidationError{Path: path, Message: err.Error()})
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

func (i Input) validate(p Policy) error {
	set := 0
	if i.Literal != nil {
		set++
	}
	if i.Href != "" {
		set++
	}
	if i.Data != nil {
		set++
	}
	if i.BBox != nil {
		set++
	}
	if set != 1 {
		return errors.New("exactly one of literal, href, data or bbox is required")
	}

	if i.BBox != nil {
		return i.BBox.validate()
	}
	if i.Href != "" {
		return p.checkHref(i.Href)
	}
	return nil
}

func (b *BBox) validate() error {
	if len(b.Lower) < 2 || len(b.Lower) != len(b.Upper) {
		return fmt.Errorf("bbox corners must have the same dimension (>= 2), got %d and %d", len(b.Lower), len(b.Upper))
	}
	for d := range b.Lower {
		if b.Lower[d] > b.Upper[d] {
			return fmt.Errorf("bbox lower corner exceeds upper corner on axis %d", d)
		}
	}
	return nil
}

func (p Policy) checkHref(href string) error {
	u, err := url.Parse(href)
	if err != nil {
		return fmt.Errorf("invalid href: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if !allowedSchemes[scheme] {
		return fmt.Errorf("href scheme %q is not allowed", u.Scheme)
	}
	if scheme != "file" {
		return nil
	}

	path := filepath.Clean(u.Path)
	if path == "." || !filepath.IsAbs(path) {
		return fmt.Errorf("file href must be absolute: %s", href)
	}
	for _, pattern := range p.AllowedInputPaths {
		ok, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return fmt.Errorf("invalid allowed input path pattern %q: %w", pattern, err)
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("file %s is not in an allowed input path", path)
}

// InputSpec declares one input of a process.
type InputSpec struct {
	ID        string
	Kind      InputKind
	MinOccurs int
	// MaxOccurs of 0 means unbounded.
	MaxOccurs int
}

// CheckInputs verifies the request against a process's input declarations:
// required inputs are present, counts are within bounds, kinds match, and
// no undeclared inputs are supplied.
func (r *Request) CheckInputs(specs []InputSpec) error {
	var errs ValidationErrors
	declared := make(map[string]bool, len(specs))

	for _, spec := range specs {
		declared[spec.ID] = true
		values := r.Inputs[spec.ID]
		path := "/inputs/" + spec.ID

		if len(values) < spec.MinOccurs {
			errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("requires at least %d value(s), got %d", spec.MinOccurs, len(values))})
			continue
		}
		if spec.MaxOccurs > 0 && len(values) > spec.MaxOccurs {
			errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf("accepts at most %d value(s), got %d", spec.MaxOccurs, len(values))})
			continue
		}
		for i, v := range values {
			if spec.Kind != "" && v.Kind() != spec.Kind {
				errs = append(errs, ValidationError{Path: fmt.Sprintf("%s/%d", path, i), Message: fmt.Sprintf("expected %s input, got %s", spec.Kind, v.Kind())})
			}
		}
	}

	for _, id := range r.InputIDs() {
		if !declared[id] {
			errs = append(errs, ValidationError{Path: "/inputs/" + id, Message: "unknown input"})
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}
