// Package placement computes where the popups go.
//
// The window system only reports parent-relative geometry, so the absolute
// position of a client field is found by walking its ancestor chain. The
// editor popup is then nudged so it stays on the monitor holding the field.
package placement

import (
	"fmt"

	"vime/internal/message"
)

// DefaultGap is the vertical distance kept between the anchor and a popup
// that had to be flipped above it.
const DefaultGap = 40

// maxDepth bounds the ancestor walk; real window trees are a handful deep.
const maxDepth = 64

// Point is an absolute screen position.
type Point struct {
	X, Y int
}

// Size is a popup size in pixels.
type Size struct {
	W, H int
}

// Rect is an axis-aligned rectangle in screen coordinates.
type Rect struct {
	X, Y, W, H int
}

func (r Rect) Top() int    { return r.Y }
func (r Rect) Bottom() int { return r.Y + r.H }
func (r Rect) Left() int   { return r.X }
func (r Rect) Right() int  { return r.X + r.W }

// Contains reports whether p lies in r, edges included.
func (r Rect) Contains(p Point) bool {
	return r.Left() <= p.X && p.X <= r.Right() &&
		r.Top() <= p.Y && p.Y <= r.Bottom()
}

// Tree is the slice of the window system needed to resolve absolute
// positions.
type Tree interface {
	// Geometry returns w's position relative to its parent and its size.
	Geometry(w message.Window) (Rect, error)

	// Parent returns w's parent, or message.None for the root.
	Parent(w message.Window) (message.Window, error)
}

// AbsolutePosition returns the top-left corner of w in root coordinates.
func AbsolutePosition(t Tree, w message.Window) (Point, error) {
	var abs Point
	for depth := 0; w != message.None; depth++ {
		if depth == maxDepth {
			return Point{}, fmt.Errorf("window tree deeper than %d", maxDepth)
		}

		geom, err := t.Geometry(w)
		if err != nil {
			return Point{}, fmt.Errorf("geometry of window %#x: %w", uint32(w), err)
		}
		abs.X += geom.X
		abs.Y += geom.Y

		parent, err := t.Parent(w)
		if err != nil {
			return Point{}, fmt.Errorf("parent of window %#x: %w", uint32(w), err)
		}
		w = parent
	}
	return abs, nil
}

// MonitorFor returns the monitor containing p, falling back to the first
// monitor. ok is false when there are no monitors at all.
func MonitorFor(p Point, monitors []Rect) (mon Rect, ok bool) {
	for _, m := range monitors {
		if m.Contains(p) {
			return m, true
		}
	}
	if len(monitors) > 0 {
		return monitors[0], true
	}
	return Rect{}, false
}

// Adjust places a popup of the given size anchored at the field position.
//
// The rules run once, in order: clamp top, clamp left, flip above the anchor
// when the bottom overflows, clamp right. A flip is not re-clamped against
// the monitor top, so a popup taller than the space above the anchor can
// still start off-screen.
func Adjust(anchor Point, size Size, monitors []Rect, gap int) Point {
	mon, ok := MonitorFor(anchor, monitors)
	if !ok {
		return anchor
	}

	win := Rect{X: anchor.X, Y: anchor.Y, W: size.W, H: size.H}

	if win.Top() < mon.Top() {
		win.Y = mon.Top()
	}
	if win.Left() < mon.Left() {
		win.X = mon.Left()
	}
	if mon.Bottom() < win.Bottom() {
		win.Y = anchor.Y - win.H - gap
	}
	if mon.Right() < win.Right() {
		win.X = mon.Right() - win.W
	}

	return Point{X: win.X, Y: win.Y}
}
