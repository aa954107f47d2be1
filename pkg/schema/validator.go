package schema

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/models"
)

const (
	maxValueLength = 1024
	maxTextLength  = 65000
)

// Validator checks statements and crawler entities against the registry.
type Validator struct {
	registry *Registry
}

// NewValidator creates a validator over a loaded registry.
func NewValidator(registry *Registry) *Validator {
	return &Validator{registry: registry}
}

// Registry returns the registry the validator checks against.
func (v *Validator) Registry() *Registry {
	return v.registry
}

// ValidateStatement rejects statements with missing fields, an unknown
// schema/property pair, or a value that does not fit the property type.
func (v *Validator) ValidateStatement(stmt models.Statement) error {
	switch {
	case stmt.EntityID == "":
		return errors.NewValidationError("statement has no entity id").WithEntity("", stmt.Schema).WithProp(stmt.Prop, stmt.Value)
	case stmt.Schema == "":
		return errors.NewValidationError("statement has no schema").WithEntity(stmt.EntityID, "")
	case stmt.Prop == "":
		return errors.NewValidationError("statement has no property").WithEntity(stmt.EntityID, stmt.Schema)
	case stmt.Dataset == "":
		return errors.NewValidationError("statement has no dataset").WithEntity(stmt.EntityID, stmt.Schema)
	}

	s, ok := v.registry.Get(stmt.Schema)
	if !ok {
		return errors.NewValidationErrorf("unknown schema").WithEntity(stmt.EntityID, stmt.Schema)
	}
	prop, ok := s.Property(stmt.Prop)
	if !ok {
		return errors.NewValidationErrorf("unknown property for schema").WithEntity(stmt.EntityID, stmt.Schema).WithProp(stmt.Prop, stmt.Value)
	}
	if stmt.PropType != "" && stmt.PropType != prop.Type {
		return errors.NewValidationErrorf("property type %s does not match model type %s", stmt.PropType, prop.Type).WithEntity(stmt.EntityID, stmt.Schema).WithProp(stmt.Prop, stmt.Value)
	}
	if err := ValidateValue(prop, stmt.Value); err != nil {
		return errors.NewValidationError(err.Error()).WithEntity(stmt.EntityID, stmt.Schema).WithProp(stmt.Prop, stmt.Value)
	}
	return nil
}

// ValidateEntity checks a crawler-built entity before it is decomposed into
// statements. Every failing value is reported.
func (v *Validator) ValidateEntity(e *models.Entity) []error {
	if e.ID == "" {
		return []error{errors.NewValidationError("entity has no id").WithEntity("", e.Schema)}
	}
	s, ok := v.registry.Get(e.Schema)
	if !ok {
		return []error{errors.NewValidationError("unknown schema").WithEntity(e.ID, e.Schema)}
	}
	if s.Abstract {
		return []error{errors.NewValidationError("cannot emit an entity of an abstract schema").WithEntity(e.ID, e.Schema)}
	}
	if idProp, ok := s.Property(models.BaseProp); ok {
		if err := ValidateValue(idProp, e.ID); err != nil {
			return []error{errors.NewValidationErrorf("invalid entity id: %v", err).WithEntity(e.ID, e.Schema)}
		}
	}

	var errs []error
	for _, name := range e.PropNames() {
		prop, ok := s.Property(name)
		if !ok {
			errs = append(errs, errors.NewValidationError("unknown property for schema").WithEntity(e.ID, e.Schema).WithProp(name, ""))
			continue
		}
		for _, value := range e.Get(name) {
			if err := ValidateValue(prop, value); err != nil {
				errs = append(errs, errors.NewValidationError(err.Error()).WithEntity(e.ID, e.Schema).WithProp(name, value))
			}
		}
	}
	return errs
}

// ValidateValue checks a single string value against a property definition.
func ValidateValue(prop *Property, value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.New("empty value")
	}

	limit := maxValueLength
	if prop.Type == TypeText {
		limit = maxTextLength
	}
	if len(value) > limit {
		return errors.Errorf("value exceeds %d bytes", limit)
	}

	if !isValidType(value, prop.Type) {
		return errors.Errorf("invalid %s value", prop.Type)
	}
	if prop.Format != "" {
		if err := validateFormat(value, prop.Format); err != nil {
			return err
		}
	}
	return nil
}

// isValidType checks a value against the property type
func isValidType(value, propType string) bool {
	switch propType {
	case TypeNumber:
		_, err := strconv.ParseFloat(strings.ReplaceAll(value, ",", ""), 64)
		return err == nil
	case TypeDate:
		return isValidDate(value)
	case TypeEmail:
		return isValidEmail(value)
	case TypeURL:
		return isValidURI(value)
	case TypePhone:
		return isValidPhone(value)
	case TypeCountry:
		return countryRegex.MatchString(value)
	case TypeEntity, TypeID:
		return !strings.ContainsFunc(value, unicode.IsSpace)
	default:
		return true // free text types
	}
}

// validateFormat validates a value against a format constraint
func validateFormat(value, format string) error {
	switch format {
	case "email":
		if !isValidEmail(value) {
			return errors.New("invalid email format")
		}
	case "date":
		if !isValidDate(value) {
			return errors.New("invalid date format (expected YYYY[-MM[-DD]])")
		}
	case "phone":
		if !isValidPhone(value) {
			return errors.New("invalid phone format")
		}
	case "uri", "url":
		if !isValidURI(value) {
			return errors.New("invalid URI format")
		}
	case "uuid":
		if !uuidRegex.MatchString(value) {
			return errors.New("invalid UUID format")
		}
	case "isin":
		if !isinRegex.MatchString(value) {
			return errors.New("invalid ISIN format")
		}
	}
	return nil
}

// Format validation regexes
var (
	emailRegex   = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
	dateRegex    = regexp.MustCompile(`^\d{4}(-\d{2}(-\d{2}(T\d{2}(:\d{2}(:\d{2}(\.\d+)?)?)?(Z|[+-]\d{2}:?\d{2})?)?)?)?$`)
	uriRegex     = regexp.MustCompile(`^(https?|ftp)://[^\s/$.?#].[^\s]*$`)
	uuidRegex    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	countryRegex = regexp.MustCompile(`(?i)^[a-z]{2}(-[a-z0-9]{1,8})?$`)
	isinRegex    = regexp.MustCompile(`^[A-Z]{2}[A-Z0-9]{9}\d$`)
)

func isValidEmail(s string) bool {
	return emailRegex.MatchString(s)
}

// isValidDate accepts ISO 8601 dates truncated to any precision, since sources
// often only know the year or month.
func isValidDate(s string) bool {
	return dateRegex.MatchString(s)
}

func isValidPhone(s string) bool {
	// Remove common separators for validation
	cleaned := strings.ReplaceAll(s, " ", "")
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	cleaned = strings.ReplaceAll(cleaned, "(", "")
	cleaned = strings.ReplaceAll(cleaned, ")", "")
	cleaned = strings.TrimPrefix(cleaned, "+")
	if len(cleaned) < 7 || len(cleaned) > 15 {
		return false
	}
	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isValidURI(s string) bool {
	return uriRegex.MatchString(s)
}
