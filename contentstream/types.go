package contentstream

import (
	"fmt"

	"github.com/wudi/pdfcore/coords"
)

// TextRenderMode matches PDF text rendering modes set via Tr operator.
type TextRenderMode int

const (
	TextFill TextRenderMode = iota
	TextStroke
	TextFillStroke
	TextInvisible
	TextFillClip
	TextStrokeClip
	TextFillStrokeClip
	TextClip
)

// LineCap represents the line cap style (J operator).
type LineCap int

const (
	LineCapButt LineCap = iota
	LineCapRound
	LineCapSquare
)

// LineJoin represents the line join style (j operator).
type LineJoin int

const (
	LineJoinMiter LineJoin = iota
	LineJoinRound
	LineJoinBevel
)

// SegmentOp enumerates path construction operators.
type SegmentOp int

const (
	SegMoveTo  SegmentOp = iota // m
	SegLineTo                   // l
	SegCurveTo                  // c, three points
	SegCurveV                   // v, first control point is the current point
	SegCurveY                   // y, second control point is the end point
	SegRect                     // re, Points[0] is the corner and Points[1] width/height
	SegClose                    // h
)

var segmentOperators = [...]string{"m", "l", "c", "v", "y", "re", "h"}

func (op SegmentOp) String() string {
	if op >= 0 && int(op) < len(segmentOperators) {
		return segmentOperators[op]
	}
	return fmt.Sprintf("SegmentOp(%d)", int(op))
}

// operandCount is the number of points each operator carries.
func (op SegmentOp) operandCount() int {
	switch op {
	case SegCurveTo:
		return 3
	case SegCurveV, SegCurveY, SegRect:
		return 2
	case SegClose:
		return 0
	}
	return 1
}

// Segment is one path construction operator with its points in user space
// of the state the path is painted in.
type Segment struct {
	Op     SegmentOp
	Points []coords.Point
}

// ClipRule selects whether and how a path also clips.
type ClipRule int

const (
	NoClip ClipRule = iota
	ClipNonZero
	ClipEvenOdd
)

// Paint describes how a path is painted. The zero value is the n operator.
type Paint struct {
	Stroke  bool
	Fill    bool
	EvenOdd bool // even-odd fill rule
	Close   bool // close the last subpath before stroking (s, b, b*)
	Clip    ClipRule
}

// operator returns the painting operator for p.
func (p Paint) operator() string {
	switch {
	case p.Fill && p.Stroke && p.Close && p.EvenOdd:
		return "b*"
	case p.Fill && p.Stroke && p.Close:
		return "b"
	case p.Fill && p.Stroke && p.EvenOdd:
		return "B*"
	case p.Fill && p.Stroke:
		return "B"
	case p.Fill && p.EvenOdd:
		return "f*"
	case p.Fill:
		return "f"
	case p.Stroke && p.Close:
		return "s"
	case p.Stroke:
		return "S"
	}
	return "n"
}

// paintFor maps a painting operator back to Paint. ok is false for
// anything that is not a painting operator.
func paintFor(op string) (p Paint, ok bool) {
	switch op {
	case "S":
		p.Stroke = true
	case "s":
		p.Stroke, p.Close = true, true
	case "f", "F":
		p.Fill = true
	case "f*":
		p.Fill, p.EvenOdd = true, true
	case "B":
		p.Fill, p.Stroke = true, true
	case "B*":
		p.Fill, p.Stroke, p.EvenOdd = true, true, true
	case "b":
		p.Fill, p.Stroke, p.Close = true, true, true
	case "b*":
		p.Fill, p.Stroke, p.Close, p.EvenOdd = true, true, true, true
	case "n":
	default:
		return Paint{}, false
	}
	return p, true
}

// TextItem is one entry of a text showing operation: either a string or,
// inside TJ arrays, a position adjustment in thousandths of text space.
type TextItem struct {
	Bytes    []byte
	Adjust   float64
	IsAdjust bool
}
