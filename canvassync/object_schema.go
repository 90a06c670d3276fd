package canvassync

// property schemas per object type. Mutation payloads are validated against
// these before entering the queue, so a malformed payload fails fast instead
// of burning dispatch retries.

const (
	MaxTextLength  = 1000
	MaxPointCount  = 10000
	MaxCoordinate  = 1000000
	MinCoordinate  = -1000000
	MaxStrokeWidth = 1000
	MaxFontSize    = 500
	MaxColorLength = 50
)

var AllowedObjectTypes = map[string]bool{
	"rect":   true,
	"circle": true,
	"line":   true,
	"brush":  true,
	"text":   true,
}

func schemaForType(objectType string) any {
	switch objectType {
	case "rect":
		return &RectProperties{}
	case "circle":
		return &CircleProperties{}
	case "line":
		return &LineProperties{}
	case "brush":
		return &BrushProperties{}
	case "text":
		return &TextProperties{}
	default:
		return nil
	}
}

// x,y position on the canvas
type Position struct {
	X float64 `json:"x" validate:"min=-1000000,max=1000000"`
	Y float64 `json:"y" validate:"min=-1000000,max=1000000"`
}

type Size struct {
	Width  float64 `json:"width,omitempty" validate:"omitempty,min=0,max=1000000"`
	Height float64 `json:"height,omitempty" validate:"omitempty,min=0,max=1000000"`
}

type Style struct {
	Fill        string  `json:"fill,omitempty" validate:"omitempty,max=50"`
	Stroke      string  `json:"stroke,omitempty" validate:"omitempty,max=50"`
	StrokeWidth float64 `json:"strokeWidth,omitempty" validate:"omitempty,min=0,max=1000"`
	Opacity     float64 `json:"opacity,omitempty" validate:"omitempty,min=0,max=1"`
}

type Point struct {
	X float64 `json:"x" validate:"min=-1000000,max=1000000"`
	Y float64 `json:"y" validate:"min=-1000000,max=1000000"`
}

type RectProperties struct {
	Position
	Size
	Style
	Rotation float64 `json:"rotation,omitempty" validate:"omitempty,min=-360,max=360"`
}

type CircleProperties struct {
	Position
	Radius float64 `json:"radius,omitempty" validate:"omitempty,min=0,max=1000000"`
	Style
}

type LineProperties struct {
	X1          float64 `json:"x1" validate:"min=-1000000,max=1000000"`
	Y1          float64 `json:"y1" validate:"min=-1000000,max=1000000"`
	X2          float64 `json:"x2" validate:"min=-1000000,max=1000000"`
	Y2          float64 `json:"y2" validate:"min=-1000000,max=1000000"`
	Stroke      string  `json:"stroke,omitempty" validate:"omitempty,max=50"`
	StrokeWidth float64 `json:"strokeWidth,omitempty" validate:"omitempty,min=0,max=1000"`
	Opacity     float64 `json:"opacity,omitempty" validate:"omitempty,min=0,max=1"`
}

type BrushProperties struct {
	Points []Point `json:"points,omitempty" validate:"omitempty,min=2,max=10000,dive"`
	Style
	Smooth bool `json:"smooth,omitempty"`
}

type TextProperties struct {
	Position
	Text       string  `json:"text,omitempty" validate:"omitempty,max=1000"`
	FontSize   float64 `json:"fontSize,omitempty" validate:"omitempty,min=1,max=500"`
	FontFamily string  `json:"fontFamily,omitempty" validate:"omitempty,max=100"`
	Fill       string  `json:"fill,omitempty" validate:"omitempty,max=50"`
	Bold       bool    `json:"bold,omitempty"`
	Italic     bool    `json:"italic,omitempty"`
	Underline  bool    `json:"underline,omitempty"`
}
