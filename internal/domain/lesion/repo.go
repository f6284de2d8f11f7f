package lesion

import (
	"context"
)

// AnalysisRepository persists finalized analyses. Records are append-only.
type AnalysisRepository interface {
	Create(ctx context.Context, a *Analysis) error
	GetByID(ctx context.Context, id int64) (*Analysis, error)
	ListByPatient(ctx context.Context, patientID string) ([]*Analysis, error)
}
