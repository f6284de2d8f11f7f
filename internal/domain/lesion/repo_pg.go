package lesion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dermrx/dermrx/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type analysisRepoPG struct{ pool *pgxpool.Pool }

// NewAnalysisRepoPG stores analyses in the analyses table, with the region
// list in a JSONB column.
func NewAnalysisRepoPG(pool *pgxpool.Pool) AnalysisRepository {
	return &analysisRepoPG{pool: pool}
}

func (r *analysisRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const analysisCols = `id, patient_id, image_url, body_area, notes, detected_lesions, created_at`

func (r *analysisRepoPG) scanRow(row pgx.Row) (*Analysis, error) {
	var (
		a   Analysis
		raw []byte
	)
	if err := row.Scan(&a.ID, &a.PatientID, &a.ImageURL, &a.BodyArea, &a.Notes, &raw, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(raw, &a.DetectedLesions); err != nil {
		return nil, fmt.Errorf("decode detected_lesions for analysis %d: %w", a.ID, err)
	}
	return &a, nil
}

func (r *analysisRepoPG) Create(ctx context.Context, a *Analysis) error {
	regions := a.DetectedLesions
	if regions == nil {
		regions = []Region{}
	}
	raw, err := json.Marshal(regions)
	if err != nil {
		return fmt.Errorf("encode detected_lesions: %w", err)
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO analyses (patient_id, image_url, body_area, notes, detected_lesions)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		a.PatientID, a.ImageURL, a.BodyArea, a.Notes, raw,
	).Scan(&a.ID, &a.CreatedAt)
}

func (r *analysisRepoPG) GetByID(ctx context.Context, id int64) (*Analysis, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+analysisCols+` FROM analyses WHERE id = $1`, id))
}

func (r *analysisRepoPG) ListByPatient(ctx context.Context, patientID string) ([]*Analysis, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+analysisCols+` FROM analyses WHERE patient_id = $1 ORDER BY created_at DESC, id DESC`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Analysis
	for rows.Next() {
		a, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}
