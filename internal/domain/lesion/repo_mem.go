package lesion

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryAnalysisRepo keeps analyses in process memory. Ids are assigned from
// a monotonic counter starting at 1.
type MemoryAnalysisRepo struct {
	mu       sync.RWMutex
	nextID   int64
	analyses map[int64]*Analysis
	now      func() time.Time
}

func NewMemoryAnalysisRepo() *MemoryAnalysisRepo {
	return &MemoryAnalysisRepo{
		nextID:   1,
		analyses: make(map[int64]*Analysis),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryAnalysisRepo) Create(_ context.Context, a *Analysis) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a.ID = r.nextID
	r.nextID++
	if a.CreatedAt.IsZero() {
		a.CreatedAt = r.now()
	}
	r.analyses[a.ID] = copyAnalysis(a)
	return nil
}

func (r *MemoryAnalysisRepo) GetByID(_ context.Context, id int64) (*Analysis, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.analyses[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAnalysis(a), nil
}

func (r *MemoryAnalysisRepo) ListByPatient(_ context.Context, patientID string) ([]*Analysis, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Analysis
	for _, a := range r.analyses {
		if a.PatientID == patientID {
			out = append(out, copyAnalysis(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func copyAnalysis(a *Analysis) *Analysis {
	c := *a
	if a.DetectedLesions != nil {
		c.DetectedLesions = make([]Region, len(a.DetectedLesions))
		for i, r := range a.DetectedLesions {
			c.DetectedLesions[i] = r.clone()
		}
	}
	return &c
}
