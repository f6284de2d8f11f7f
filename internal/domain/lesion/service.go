package lesion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Service validates and serves persisted analyses.
type Service struct {
	repo AnalysisRepository
	now  func() time.Time
}

func NewService(repo AnalysisRepository) *Service {
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// CreateAnalysis validates a finalized analysis and persists it. The region
// list must be non-empty, carry unique ids and in-bounds boxes, and every
// region must be classified.
func (s *Service) CreateAnalysis(ctx context.Context, a *Analysis) error {
	if strings.TrimSpace(a.PatientID) == "" {
		return &ValidationError{Field: "patientId", Message: "patient id is required"}
	}
	if strings.TrimSpace(a.ImageURL) == "" {
		return &ValidationError{Field: "imageUrl", Message: "image url is required"}
	}
	if len(a.DetectedLesions) == 0 {
		return &ValidationError{Field: "detectedLesions", Message: "at least one region is required"}
	}
	seen := make(map[string]bool, len(a.DetectedLesions))
	for i, r := range a.DetectedLesions {
		field := fmt.Sprintf("detectedLesions[%d]", i)
		if r.ID == "" || seen[r.ID] {
			return NewValidationError(field+".id", "missing or duplicate id %q", r.ID)
		}
		seen[r.ID] = true
		if !r.BoundingBox.Valid() {
			return NewValidationError(field+".boundingBox", "box %+v is outside the image", r.BoundingBox)
		}
		if !r.Classified() {
			return NewValidationError(field, "region %q has not been classified", r.ID)
		}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return fmt.Errorf("persist analysis: %w", err)
	}
	return nil
}

// GetAnalysis returns the analysis with the given id if it belongs to the
// patient.
func (s *Service) GetAnalysis(ctx context.Context, patientID string, id int64) (*Analysis, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.PatientID != patientID {
		return nil, ErrNotFound
	}
	return a, nil
}

// GetAnalysisByID returns an analysis regardless of patient. Used by the
// FHIR read interaction, which addresses reports by id alone.
func (s *Service) GetAnalysisByID(ctx context.Context, id int64) (*Analysis, error) {
	return s.repo.GetByID(ctx, id)
}

// ListAnalyses returns the patient's timeline filtered by body area.
func (s *Service) ListAnalyses(ctx context.Context, patientID, bodyArea string, order SortOrder) ([]*Analysis, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, &ValidationError{Field: "patientId", Message: "patient id is required"}
	}
	all, err := s.repo.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return Timeline(all, bodyArea, order), nil
}

// BodyAreas lists the body areas recorded for the patient.
func (s *Service) BodyAreas(ctx context.Context, patientID string) ([]string, error) {
	all, err := s.repo.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return BodyAreas(all), nil
}

// Growth returns the growth series of one region of a stored analysis.
func (s *Service) Growth(ctx context.Context, patientID string, id int64, regionID string, points int) ([]GrowthPoint, error) {
	a, err := s.GetAnalysis(ctx, patientID, id)
	if err != nil {
		return nil, err
	}
	r, ok := a.Region(regionID)
	if !ok {
		return nil, fmt.Errorf("region %q in analysis %d: %w", regionID, id, ErrRegionNotFound)
	}
	return GrowthSeries(r, points, s.now()), nil
}

// IsNotFound reports whether err means an analysis or region does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrRegionNotFound)
}
