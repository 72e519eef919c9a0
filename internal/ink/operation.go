package ink

// Point is an immutable canvas coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Color is an RGBA color with 0..255 channels.
type Color struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
	A uint8 `json:"a"`
}

// Pen describes the appearance of a stroke for its entire lifetime.
type Pen struct {
	Color     Color   `json:"color"`
	Thickness float64 `json:"thickness"`
}

// Kind is the wire tag of an operation.
type Kind string

const (
	KindClear        Kind = "clear"
	KindCreateStroke Kind = "createStroke"
	KindStylus       Kind = "stylus"
)

// Operation is one of Clear, CreateStroke or StylusMove.
//
// The unexported marker keeps the set closed to this package.
type Operation interface {
	// Kind returns the wire tag.
	Kind() Kind

	// StrokeID returns the referenced stroke, or "" for Clear.
	StrokeID() string

	// Timestamp returns the advisory originating time in milliseconds.
	Timestamp() int64

	isOperation()
}

// Clear removes every stroke as of its position in the order.
type Clear struct {
	Time int64 `json:"time"`
}

// CreateStroke introduces a stroke with no samples.
type CreateStroke struct {
	Time int64  `json:"time"`
	ID   string `json:"id"`
	Pen  Pen    `json:"pen"`
}

// StylusMove appends one sample to an existing stroke.
type StylusMove struct {
	Time     int64   `json:"time"`
	ID       string  `json:"id"`
	Point    Point   `json:"point"`
	Pressure float64 `json:"pressure"`
}

func (Clear) Kind() Kind        { return KindClear }
func (CreateStroke) Kind() Kind { return KindCreateStroke }
func (StylusMove) Kind() Kind   { return KindStylus }

func (Clear) StrokeID() string          { return "" }
func (op CreateStroke) StrokeID() string { return op.ID }
func (op StylusMove) StrokeID() string   { return op.ID }

func (op Clear) Timestamp() int64        { return op.Time }
func (op CreateStroke) Timestamp() int64 { return op.Time }
func (op StylusMove) Timestamp() int64   { return op.Time }

func (Clear) isOperation()        {}
func (CreateStroke) isOperation() {}
func (StylusMove) isOperation()   {}
