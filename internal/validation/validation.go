package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hyperengineering/streetwise/internal/types"
)

// Input bounds for user-submitted content.
const (
	TitleMinLength       = 3
	TitleMaxLength       = 100
	DescriptionMinLength = 10
	DescriptionMaxLength = 1000
	CommentMinLength     = 2
	CommentMaxLength     = 500
)

// ErrValidation is wrapped by every Errors value.
var ErrValidation = errors.New("validation failed")

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + " " + e.Message
}

// Errors is the set of field failures for one input.
type Errors []ValidationError

func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, v := range e {
		parts[i] = v.Error()
	}
	return fmt.Sprintf("%v: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e Errors) Unwrap() error {
	return ErrValidation
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// Err returns the accumulated failures as an error, or nil if there are none.
func (c *Collector) Err() error {
	if !c.HasErrors() {
		return nil
	}
	return Errors(c.errors)
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateLength returns an error if the trimmed value has fewer than min or
// more than max runes.
func ValidateLength(field, value string, min, max int) *ValidationError {
	n := utf8.RuneCountInString(strings.TrimSpace(value))
	if n < min {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be at least %d characters", min),
		}
	}
	if n > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateRange returns an error if the value is outside [min, max].
func ValidateRange(field string, value, min, max float64) *ValidationError {
	if value < min || value > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be between %.1f and %.1f", min, max),
		}
	}
	return nil
}

// ValidatePoint checks a coordinate pair.
func ValidatePoint(field string, p types.Point) []ValidationError {
	var c Collector
	c.Add(ValidateRange(field+".latitude", p.Latitude, -90, 90))
	c.Add(ValidateRange(field+".longitude", p.Longitude, -180, 180))
	return c.Errors()
}

// ValidateText runs the common checks for free text.
func ValidateText(field, value string, min, max int) []ValidationError {
	var c Collector
	if v := ValidateUTF8(field, value); v != nil {
		c.Add(v)
		return c.Errors()
	}
	c.Add(ValidateNoNullBytes(field, value))
	c.Add(ValidateLength(field, value, min, max))
	return c.Errors()
}

// ValidateNewProblem checks a problem report before it is sent.
func ValidateNewProblem(p types.NewProblem) error {
	var c Collector
	for _, v := range ValidateText("title", p.Title, TitleMinLength, TitleMaxLength) {
		c.Add(&v)
	}
	for _, v := range ValidateText("description", p.Description, DescriptionMinLength, DescriptionMaxLength) {
		c.Add(&v)
	}

	allowed := make([]string, len(types.Categories))
	for i, cat := range types.Categories {
		allowed[i] = string(cat)
	}
	c.Add(ValidateEnum("category", string(p.Category), allowed))

	for _, v := range ValidatePoint("location", p.Location) {
		c.Add(&v)
	}
	return c.Err()
}

// ValidateComment checks comment text.
func ValidateComment(content string) error {
	var c Collector
	for _, v := range ValidateText("content", content, CommentMinLength, CommentMaxLength) {
		c.Add(&v)
	}
	return c.Err()
}
