package contacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	MaxNameLength   = 200
	MaxNoteLength   = 2000
	MaxStatusLength = 64
)

var phonePattern = regexp.MustCompile(`^\+?[\d\s\-\(\)]{7,}$`)

var fieldValidate *validator.Validate

func init() {
	fieldValidate = validator.New()
	fieldValidate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = fieldValidate.RegisterValidation("callphone", validatePhone)
	_ = fieldValidate.RegisterValidation("statustag", validateStatusTag)
}

func validatePhone(fl validator.FieldLevel) bool {
	return phonePattern.MatchString(fl.Field().String())
}

func validateStatusTag(fl validator.FieldLevel) bool {
	for _, r := range fl.Field().String() {
		if r == '_' || r == '-' || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

// fieldInput is the validated shape shared by edits, outcomes and import rows.
type fieldInput struct {
	Phone       *string `json:"phone" validate:"omitnil,callphone"`
	Name        *string `json:"name" validate:"omitnil,min=1,max=200"`
	Note        *string `json:"note" validate:"omitnil,max=2000"`
	Status      *string `json:"status" validate:"omitnil,min=1,max=64,statustag"`
	Coordinates *string `json:"coordinates" validate:"omitnil,json"`
}

// normalizePatch trims string fields and normalizes the status tag, then
// validates every present field. The first failure is returned as a
// *ValidationError and nothing is applied.
func normalizePatch(p Patch) (Patch, error) {
	out := Patch{}
	if p.Phone != nil {
		out.Phone = stringPtr(strings.TrimSpace(*p.Phone))
	}
	if p.Name != nil {
		out.Name = stringPtr(strings.TrimSpace(*p.Name))
	}
	if p.Note != nil {
		out.Note = stringPtr(strings.TrimSpace(*p.Note))
	}
	if p.Status != nil {
		out.Status = stringPtr(normalizeStatus(*p.Status))
	}
	if p.Coordinates != nil {
		raw := append(json.RawMessage(nil), (*p.Coordinates)...)
		out.Coordinates = &raw
	}
	if err := validateFields(out); err != nil {
		return Patch{}, err
	}
	return out, nil
}

func validateFields(p Patch) error {
	input := fieldInput{
		Phone:  p.Phone,
		Name:   p.Name,
		Note:   p.Note,
		Status: p.Status,
	}
	if p.Coordinates != nil {
		input.Coordinates = stringPtr(strings.TrimSpace(string(*p.Coordinates)))
	}
	err := fieldValidate.Struct(input)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		first := fieldErrs[0]
		return &ValidationError{Field: first.Field(), Reason: validationReason(first)}
	}
	return &ValidationError{Field: "record", Reason: err.Error()}
}

func validationReason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "min":
		if fe.Param() == "1" {
			return "must not be empty"
		}
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "callphone":
		return "must be a phone number with at least 7 digits"
	case "statustag":
		return "must be an upper-case tag"
	case "json":
		return "must be valid JSON"
	default:
		return fe.Tag()
	}
}
