package canvassync

import (
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestValidateRejectsUnknownType(t *testing.T) {
	objectValidator := NewObjectValidator()

	_, err := objectValidator.ValidateAndSanitize("triangle", map[string]any{"x": 0.0, "y": 0.0})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, true, IsPermanentError(err))
}

func TestValidateCoordinateRange(t *testing.T) {
	objectValidator := NewObjectValidator()

	_, err := objectValidator.ValidateAndSanitize("rect", map[string]any{
		"x": 0.0,
		"y": 2000000.0,
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, true, IsPermanentError(err))

	sanitized, err := objectValidator.ValidateAndSanitize("rect", map[string]any{
		"x":      100.0,
		"y":      -100.0,
		"width":  50.0,
		"height": 25.0,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, 100.0, sanitized["x"])
}

func TestValidateTextLimits(t *testing.T) {
	objectValidator := NewObjectValidator()

	_, err := objectValidator.ValidateAndSanitize("text", map[string]any{
		"x":    0.0,
		"y":    0.0,
		"text": strings.Repeat("a", MaxTextLength+1),
	})
	assert.NotEqual(t, err, nil)

	sanitized, err := objectValidator.ValidateAndSanitize("text", map[string]any{
		"x":        0.0,
		"y":        0.0,
		"text":     "hello",
		"fontSize": 16.0,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, "hello", sanitized["text"])
}

func TestSanitizeStripsMarkup(t *testing.T) {
	objectValidator := NewObjectValidator()

	sanitized, err := objectValidator.ValidateAndSanitize("text", map[string]any{
		"x":    0.0,
		"y":    0.0,
		"text": `<script>alert("x")</script>hello <b>world</b>`,
	})
	assert.Equal(t, err, nil)

	text := sanitized["text"].(string)
	assert.Equal(t, false, strings.Contains(text, "<script>"))
	assert.Equal(t, false, strings.Contains(text, "<b>"))
	assert.Equal(t, true, strings.Contains(text, "hello"))
	assert.Equal(t, true, strings.Contains(text, "world"))
}

func TestNormalizeColors(t *testing.T) {
	objectValidator := NewObjectValidator()

	sanitized, err := objectValidator.ValidateAndSanitize("rect", map[string]any{
		"x":      0.0,
		"y":      0.0,
		"fill":   "#FFF",
		"stroke": "#A1B2C3",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, "#ffffff", sanitized["fill"])
	assert.Equal(t, "#a1b2c3", sanitized["stroke"])
}

func TestValidateBrushPoints(t *testing.T) {
	objectValidator := NewObjectValidator()

	// a single point is not a stroke
	_, err := objectValidator.ValidateAndSanitize("brush", map[string]any{
		"points": []any{
			map[string]any{"x": 0.0, "y": 0.0},
		},
	})
	assert.NotEqual(t, err, nil)

	sanitized, err := objectValidator.ValidateAndSanitize("brush", map[string]any{
		"points": []any{
			map[string]any{"x": 0.0, "y": 0.0},
			map[string]any{"x": 1.0, "y": 1.0},
		},
		"strokeWidth": 2.0,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, len(sanitized["points"].([]any)))
}

func TestValidatePartialPayload(t *testing.T) {
	objectValidator := NewObjectValidator()

	// a position mutation carries only the coordinates
	sanitized, err := objectValidator.ValidateAndSanitize("circle", map[string]any{
		"x": 10.0,
		"y": 20.0,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, 10.0, sanitized["x"])
	assert.Equal(t, 20.0, sanitized["y"])
}
