package session

import (
	"errors"
	"time"

	"github.com/dermrx/dermrx/internal/domain/annotation"
	"github.com/dermrx/dermrx/internal/domain/lesion"
	"github.com/dermrx/dermrx/internal/platform/imagestore"
	"github.com/dermrx/dermrx/pkg/geometry"
)

// Snapshot is the client-facing view of a session.
type Snapshot struct {
	ID          string             `json:"id"`
	State       State              `json:"state"`
	Context     Context            `json:"context"`
	Image       *imagestore.Image  `json:"image,omitempty"`
	Regions     []RegionView       `json:"regions"`
	Summary     lesion.RiskSummary `json:"summary"`
	Selected    []string           `json:"selected"`
	DrawingMode bool               `json:"drawingMode"`
	Drawing     annotation.State   `json:"drawing"`
	Candidate   *geometry.Box      `json:"candidate,omitempty"`
	AnalysisID  *int64             `json:"analysisId,omitempty"`
	LastError   *ErrorView         `json:"lastError,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

// RegionView is a region with its risk assessment.
type RegionView struct {
	lesion.Region
	Risk lesion.Assessment `json:"risk"`
}

// ErrorView is the recorded error of the last failed step.
type ErrorView struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ErrorKind classifies err for display.
func ErrorKind(err error) string {
	switch {
	case lesion.IsValidation(err), errors.Is(err, lesion.ErrBoxTooSmall):
		return "validation"
	case lesion.IsNetwork(err):
		return "network"
	case lesion.IsDecode(err):
		return "decode"
	default:
		return "internal"
	}
}

// snapshot builds the view. Callers hold mu.
func (s *Session) snapshot() Snapshot {
	regions := s.store.List()
	views := make([]RegionView, len(regions))
	for i, r := range regions {
		views[i] = RegionView{Region: r, Risk: lesion.Classify(r)}
	}
	selected := s.annot.Selected()
	if selected == nil {
		selected = []string{}
	}

	snap := Snapshot{
		ID:          s.id,
		State:       s.state,
		Context:     s.ctx,
		Regions:     views,
		Summary:     lesion.SummarizeRisk(regions),
		Selected:    selected,
		DrawingMode: s.annot.DrawingMode(),
		Drawing:     s.annot.State(),
		CreatedAt:   s.created,
		UpdatedAt:   s.updated,
	}
	if s.image != nil {
		img := *s.image
		snap.Image = &img
	}
	if b, ok := s.annot.Candidate(); ok {
		snap.Candidate = &b
	}
	if s.result != nil {
		id := s.result.ID
		snap.AnalysisID = &id
	}
	if s.lastErr != nil {
		snap.LastError = &ErrorView{Kind: ErrorKind(s.lastErr), Message: s.lastErr.Error()}
	}
	return snap
}
