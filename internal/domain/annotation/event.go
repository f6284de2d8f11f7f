package annotation

import (
	"errors"
	"fmt"

	"github.com/dermrx/dermrx/internal/domain/lesion"
	"github.com/dermrx/dermrx/pkg/geometry"
)

// PointerType names a pointer event.
type PointerType string

const (
	PointerDown  PointerType = "down"
	PointerMove  PointerType = "move"
	PointerUp    PointerType = "up"
	PointerLeave PointerType = "leave"
)

// PointerEvent is a pointer event as sent by the client. Width and Height,
// when set, update the viewport before the event is handled.
type PointerEvent struct {
	Type   PointerType `json:"type"`
	X      float64     `json:"x"`
	Y      float64     `json:"y"`
	Width  float64     `json:"width,omitempty"`
	Height float64     `json:"height,omitempty"`
}

// Outcome reports what a pointer event did.
type Outcome struct {
	State     State          `json:"state"`
	Candidate *geometry.Box  `json:"candidate,omitempty"`
	Committed *lesion.Region `json:"committed,omitempty"`
	Discarded bool           `json:"discarded,omitempty"`
}

// Handle dispatches ev to the matching pointer method. A box under the
// minimum area is reported as Discarded rather than as an error.
func (c *Controller) Handle(ev PointerEvent) (Outcome, error) {
	if ev.Width > 0 || ev.Height > 0 {
		if err := c.SetViewport(ev.Width, ev.Height); err != nil {
			return Outcome{}, err
		}
	}

	var out Outcome
	switch ev.Type {
	case PointerDown:
		if _, err := c.PointerDown(ev.X, ev.Y); err != nil {
			return Outcome{}, err
		}
	case PointerMove:
		if err := c.PointerMove(ev.X, ev.Y); err != nil {
			return Outcome{}, err
		}
	case PointerUp:
		r, err := c.PointerUp(ev.X, ev.Y)
		switch {
		case errors.Is(err, lesion.ErrBoxTooSmall):
			out.Discarded = true
		case err != nil:
			return Outcome{}, err
		}
		out.Committed = r
	case PointerLeave:
		_, drawing := c.Candidate()
		c.PointerLeave()
		out.Discarded = drawing
	default:
		return Outcome{}, fmt.Errorf("%w %q", ErrUnknownPointer, ev.Type)
	}

	out.State = c.State()
	if b, ok := c.Candidate(); ok {
		out.Candidate = &b
	}
	return out, nil
}
