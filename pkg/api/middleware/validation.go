package middleware

import (
	"regexp"
	"strings"
	"unicode"
)

// Parameter names and values are rendered unquoted into a command line run
// by sh -c, so only characters that are inert to the shell get through.
var (
	// DefaultValueCharset covers paths, URIs, comma lists and key=value pairs.
	DefaultValueCharset = regexp.MustCompile(`^[A-Za-z0-9_./:=,@%+-]*$`)
	// DefaultParamNameCharset keeps each name a single "-name" token.
	DefaultParamNameCharset = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

// ValidatorConfig holds submission validation limits.
type ValidatorConfig struct {
	MaxNameLength  int
	MaxValueLength int
	MaxParams      int
	// ValueCharset must match a whole value or jar path.
	ValueCharset *regexp.Regexp
	// ParamNameCharset must match a whole parameter name.
	ParamNameCharset *regexp.Regexp
}

// DefaultValidatorConfig returns safe defaults
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MaxNameLength:    256,
		MaxValueLength:   4096,
		MaxParams:        128,
		ValueCharset:     DefaultValueCharset,
		ParamNameCharset: DefaultParamNameCharset,
	}
}

// Validator checks step submissions at the API edge.
type Validator struct {
	config ValidatorConfig
}

// javaClassName matches a dotted Java identifier path such as
// org.apache.kylin.engine.spark.job.CubeBuildJob or Outer$Inner.
var javaClassName = regexp.MustCompile(`^[\p{L}_$][\p{L}\p{N}_$]*(\.[\p{L}_$][\p{L}\p{N}_$]*)*$`)

// NewValidator fills nil charsets with the defaults; there is no way to turn
// the character checks off.
func NewValidator(config ValidatorConfig) *Validator {
	if config.ValueCharset == nil {
		config.ValueCharset = DefaultValueCharset
	}
	if config.ParamNameCharset == nil {
		config.ParamNameCharset = DefaultParamNameCharset
	}
	return &Validator{config: config}
}

// ValidateName checks the step name
func (v *Validator) ValidateName(name string) error {
	if len(name) == 0 {
		return &ValidationError{Field: "name", Message: "name is required"}
	}
	if len(name) > v.config.MaxNameLength {
		return &ValidationError{Field: "name", Message: "name exceeds maximum length"}
	}
	return nil
}

// ValidateClassName requires a dotted Java identifier path.
func (v *Validator) ValidateClassName(className string) error {
	if className == "" {
		return &ValidationError{Field: "class_name", Message: "class name is required"}
	}
	if !javaClassName.MatchString(className) {
		return &ValidationError{Field: "class_name", Message: "class name is not a valid Java class name"}
	}
	return nil
}

// ValidateParamName rejects names that would not render as a single
// "-name" token.
func (v *Validator) ValidateParamName(name string) error {
	if name == "" {
		return &ValidationError{Field: "params", Message: "parameter name is required"}
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return &ValidationError{Field: "params." + name, Message: "parameter name must not contain whitespace"}
	}
	if !v.config.ParamNameCharset.MatchString(name) {
		return &ValidationError{Field: "params." + name, Message: "parameter name may only contain letters, digits, '_', '.' and '-'"}
	}
	return nil
}

// ValidateValue checks a parameter value or jar path.
func (v *Validator) ValidateValue(field, value string) error {
	if v.config.MaxValueLength > 0 && len(value) > v.config.MaxValueLength {
		return &ValidationError{Field: field, Message: "value exceeds maximum length"}
	}
	if !v.config.ValueCharset.MatchString(value) {
		return &ValidationError{Field: field, Message: "value contains characters the shell would interpret"}
	}
	return nil
}

// ValidateParamCount caps how many arguments one step may carry.
func (v *Validator) ValidateParamCount(n int) error {
	if v.config.MaxParams > 0 && n > v.config.MaxParams {
		return &ValidationError{Field: "params", Message: "too many parameters"}
	}
	return nil
}

// ValidationError represents a validation failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
