package canvassync

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/microcosm-cc/bluemonday"
)

// ObjectValidator validates and sanitizes mutation payloads before they are
// applied optimistically or queued for dispatch. Validation failures are
// permanent errors and are never retried.
type ObjectValidator struct {
	validate  *validator.Validate
	sanitizer *bluemonday.Policy
}

func NewObjectValidator() *ObjectValidator {
	return &ObjectValidator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		// removes all HTML/scripts from string properties
		sanitizer: bluemonday.StrictPolicy(),
	}
}

// checks the payload against the schema for the object type and returns a
// sanitized copy. Color fields are normalized to lowercase hex.
func (self *ObjectValidator) ValidateAndSanitize(objectType string, payload map[string]any) (map[string]any, error) {
	if !AllowedObjectTypes[objectType] {
		return nil, NewValidationError("invalid object type: %s", objectType)
	}

	schema := schemaForType(objectType)
	if schema == nil {
		return nil, NewValidationError("no schema for object type: %s", objectType)
	}

	if err := mapToStruct(payload, schema); err != nil {
		return nil, NewValidationError("cannot parse %s payload: %s", objectType, err)
	}

	if err := self.validate.Struct(schema); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			return nil, formatValidationErrors(validationErrors)
		}
		return nil, NewValidationError("validation failed: %s", err)
	}

	sanitized := self.sanitizeMap(payload)
	normalizeColors(sanitized)
	return sanitized, nil
}

func mapToStruct(data map[string]any, target any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, target)
}

func (self *ObjectValidator) sanitizeMap(data map[string]any) map[string]any {
	result := make(map[string]any, len(data))
	for key, value := range data {
		result[key] = self.sanitizeValue(value)
	}
	return result
}

func (self *ObjectValidator) sanitizeValue(value any) any {
	if value == nil {
		return nil
	}

	switch v := value.(type) {
	case string:
		return self.sanitizer.Sanitize(v)
	case map[string]any:
		return self.sanitizeMap(v)
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = self.sanitizeValue(item)
		}
		return result
	default:
		return value
	}
}

var colorKeys = map[string]bool{
	"fill":   true,
	"stroke": true,
	"color":  true,
}

// rewrites recognizable color values to canonical lowercase hex so snapshot
// comparison is stable across clients that send e.g. "#FFF" vs "#ffffff"
func normalizeColors(payload map[string]any) {
	for key, value := range payload {
		if !colorKeys[key] {
			continue
		}
		colorStr, ok := value.(string)
		if !ok || !strings.HasPrefix(colorStr, "#") {
			continue
		}
		if len(colorStr) == 4 {
			// expand #rgb to #rrggbb
			colorStr = fmt.Sprintf(
				"#%c%c%c%c%c%c",
				colorStr[1], colorStr[1],
				colorStr[2], colorStr[2],
				colorStr[3], colorStr[3],
			)
		}
		if color, err := colorful.Hex(colorStr); err == nil {
			payload[key] = strings.ToLower(color.Hex())
		}
	}
}

func formatValidationErrors(errors validator.ValidationErrors) error {
	// first error only, enough to act on
	err := errors[0]
	switch err.Tag() {
	case "required":
		return NewValidationError("'%s' is required", err.Field())
	case "min", "max":
		return NewValidationError("'%s' value out of allowed range", err.Field())
	default:
		return NewValidationError("'%s' is invalid", err.Field())
	}
}
