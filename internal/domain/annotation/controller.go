// Package annotation implements the pointer-driven drawing and selection of
// manual regions over a displayed image.
package annotation

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/dermrx/dermrx/internal/domain/lesion"
	"github.com/dermrx/dermrx/pkg/geometry"
)

// DefaultMinArea is the smallest normalized area committed as a region.
const DefaultMinArea = 0.0001

var (
	ErrNoViewport     = errors.New("viewport size is not set")
	ErrUnknownPointer = errors.New("unknown pointer event")
)

// State is the drawing state of the controller.
type State string

const (
	StateIdle    State = "idle"
	StateDrawing State = "drawing"
)

// RegionSink receives committed boxes and deletions. *lesion.RegionStore
// satisfies it.
type RegionSink interface {
	AddManual(box geometry.Box) (lesion.Region, error)
	Remove(id string) (bool, error)
}

// Controller turns pointer input on one image element into manual regions.
// Coordinates passed to the pointer methods are pixels relative to the
// element; they are normalized by the viewport size set last.
type Controller struct {
	mu sync.Mutex

	sink    RegionSink
	minArea float64

	viewW, viewH float64
	drawingMode  bool
	state        State
	start        geometry.Point
	current      geometry.Point

	multiSelect bool
	selected    []string
}

// NewController returns an idle controller with drawing mode off. A
// non-positive minArea selects DefaultMinArea.
func NewController(sink RegionSink, minArea float64) *Controller {
	if minArea <= 0 {
		minArea = DefaultMinArea
	}
	return &Controller{sink: sink, minArea: minArea, state: StateIdle}
}

// SetViewport records the rendered size of the image element.
func (c *Controller) SetViewport(width, height float64) error {
	if width <= 0 || height <= 0 || math.IsNaN(width) || math.IsNaN(height) {
		return &lesion.ValidationError{Field: "viewport", Message: fmt.Sprintf("invalid size %vx%v", width, height)}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewW, c.viewH = width, height
	return nil
}

// SetDrawingMode gates whether PointerDown starts a gesture. Turning it off
// mid-gesture discards the candidate.
func (c *Controller) SetDrawingMode(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drawingMode = on
	if !on {
		c.state = StateIdle
	}
}

// DrawingMode reports whether drawing is enabled.
func (c *Controller) DrawingMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drawingMode
}

// State returns the current drawing state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PointerDown starts a gesture when drawing mode is on. It reports whether a
// gesture started.
func (c *Controller) PointerDown(x, y float64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.drawingMode || c.state != StateIdle {
		return false, nil
	}
	p, err := c.normalize(x, y)
	if err != nil {
		return false, err
	}
	c.start, c.current = p, p
	c.state = StateDrawing
	return true, nil
}

// PointerMove updates the candidate box while drawing.
func (c *Controller) PointerMove(x, y float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDrawing {
		return nil
	}
	p, err := c.normalize(x, y)
	if err != nil {
		return err
	}
	c.current = p
	return nil
}

// PointerUp ends the gesture and commits the candidate through the sink.
// It returns nil without error when no gesture was active, and
// lesion.ErrBoxTooSmall when the box is under the minimum area, in which
// case nothing is committed.
func (c *Controller) PointerUp(x, y float64) (*lesion.Region, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDrawing {
		return nil, nil
	}
	c.state = StateIdle
	p, err := c.normalize(x, y)
	if err != nil {
		return nil, err
	}
	box := geometry.SpanBox(c.start, p)
	if box.Area() < c.minArea {
		return nil, lesion.ErrBoxTooSmall
	}
	r, err := c.sink.AddManual(box)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// PointerLeave cancels an active gesture without committing.
func (c *Controller) PointerLeave() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateIdle
}

// Candidate returns the box being drawn.
func (c *Controller) Candidate() (geometry.Box, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDrawing {
		return geometry.Box{}, false
	}
	return geometry.SpanBox(c.start, c.current), true
}

func (c *Controller) normalize(x, y float64) (geometry.Point, error) {
	if c.viewW <= 0 || c.viewH <= 0 {
		return geometry.Point{}, ErrNoViewport
	}
	p := geometry.Normalize(x, y, c.viewW, c.viewH)
	p.X = math.Min(math.Max(p.X, 0), 1)
	p.Y = math.Min(math.Max(p.Y, 0), 1)
	return p, nil
}

// SetMultiSelect switches between single and multi selection. Leaving
// multi-select keeps only the most recent selection.
func (c *Controller) SetMultiSelect(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.multiSelect = on
	if !on && len(c.selected) > 1 {
		c.selected = c.selected[len(c.selected)-1:]
	}
}

// Select toggles id. In single mode it replaces any other selection.
func (c *Controller) Select(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexOf(id); i >= 0 {
		c.selected = append(c.selected[:i], c.selected[i+1:]...)
		return
	}
	if c.multiSelect {
		c.selected = append(c.selected, id)
	} else {
		c.selected = []string{id}
	}
}

// ClearSelection drops every selected id, as on a click outside any region.
func (c *Controller) ClearSelection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selected = nil
}

// Selected returns the selected ids in selection order.
func (c *Controller) Selected() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.selected...)
}

// IsSelected reports whether id is selected.
func (c *Controller) IsSelected(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.indexOf(id) >= 0
}

// Forget drops id from the selection, for regions removed elsewhere.
func (c *Controller) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := c.indexOf(id); i >= 0 {
		c.selected = append(c.selected[:i], c.selected[i+1:]...)
	}
}

// DeleteSelected removes every selected region through the sink and clears
// the selection. Ids already gone are skipped. It returns the number removed.
func (c *Controller) DeleteSelected() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, id := range c.selected {
		ok, err := c.sink.Remove(id)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	c.selected = nil
	return removed, nil
}

// Reset returns the controller to idle with no selection and drawing off.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateIdle
	c.drawingMode = false
	c.selected = nil
}

func (c *Controller) indexOf(id string) int {
	for i, s := range c.selected {
		if s == id {
			return i
		}
	}
	return -1
}
