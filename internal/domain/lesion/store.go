package lesion

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/dermrx/dermrx/pkg/geometry"
)

// ManualIDPrefix is prepended to generated ids of user-drawn regions. It is
// cosmetic; code branches on Region.Provenance, never on the prefix.
const ManualIDPrefix = "manual-"

// maxIDAttempts bounds the collision guard in AddManual.
const maxIDAttempts = 8

// ErrBoxTooSmall is returned when a manual box is under the minimum area.
var ErrBoxTooSmall = errors.New("bounding box is below the minimum annotation area")

// Stage gates which mutations a RegionStore accepts.
type Stage int

const (
	// StageDetecting accepts only SeedFromDetection.
	StageDetecting Stage = iota
	// StageAdjusting accepts AddManual, Remove and ApplyClassification.
	StageAdjusting
	// StageFrozen accepts nothing until Reset.
	StageFrozen
)

func (s Stage) String() string {
	switch s {
	case StageDetecting:
		return "detecting"
	case StageAdjusting:
		return "adjusting"
	case StageFrozen:
		return "frozen"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// DetectedRegion is one candidate returned by the detect call.
type DetectedRegion struct {
	ID          string       `json:"id"`
	BoundingBox geometry.Box `json:"boundingBox"`
}

// StoreOption configures a RegionStore.
type StoreOption func(*RegionStore)

// WithMinArea rejects manual boxes whose normalized area is below area.
func WithMinArea(area float64) StoreOption {
	return func(s *RegionStore) { s.minArea = area }
}

// WithIDGenerator replaces the manual id generator. Used by tests to force
// collisions.
func WithIDGenerator(fn func() string) StoreOption {
	return func(s *RegionStore) { s.newID = fn }
}

// RegionStore is the authoritative, insertion-ordered list of regions for a
// single analysis session. All methods are safe for concurrent use; each
// mutation runs under one lock so the uniqueness check and the append are
// atomic.
type RegionStore struct {
	mu      sync.RWMutex
	stage   Stage
	regions []Region
	index   map[string]int
	minArea float64
	newID   func() string
}

// NewRegionStore returns an empty store in StageDetecting.
func NewRegionStore(opts ...StoreOption) *RegionStore {
	s := &RegionStore{
		stage: StageDetecting,
		index: make(map[string]int),
		newID: func() string { return ManualIDPrefix + uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stage returns the current stage.
func (s *RegionStore) Stage() Stage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stage
}

// SeedFromDetection replaces the region list with the detected candidates and
// moves the store to StageAdjusting. Boxes are clamped into the unit square.
// Empty or repeated ids are rejected and leave the store untouched.
func (s *RegionStore) SeedFromDetection(detected []DetectedRegion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stage != StageDetecting {
		return fmt.Errorf("seed in stage %s: %w", s.stage, ErrStoreNotSeeding)
	}

	regions := make([]Region, 0, len(detected))
	index := make(map[string]int, len(detected))
	for i, d := range detected {
		if d.ID == "" {
			return NewValidationError(fmt.Sprintf("detectedLesions[%d].id", i), "id is required")
		}
		if _, dup := index[d.ID]; dup {
			return NewValidationError(fmt.Sprintf("detectedLesions[%d].id", i), "duplicate id %q", d.ID)
		}
		index[d.ID] = len(regions)
		regions = append(regions, Region{
			ID:          d.ID,
			BoundingBox: d.BoundingBox.Clamp(),
			Provenance:  ProvenanceDetected,
		})
	}

	s.regions = regions
	s.index = index
	s.stage = StageAdjusting
	return nil
}

// AddManual appends a user-drawn region with a freshly generated id.
func (s *RegionStore) AddManual(box geometry.Box) (Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAdjusting("add region"); err != nil {
		return Region{}, err
	}
	if !box.Valid() {
		return Region{}, NewValidationError("boundingBox", "box %+v is outside the image", box)
	}
	if s.minArea > 0 && box.Area() < s.minArea {
		return Region{}, ErrBoxTooSmall
	}

	id, err := s.uniqueID()
	if err != nil {
		return Region{}, err
	}
	r := Region{ID: id, BoundingBox: box, Provenance: ProvenanceManual}
	s.index[id] = len(s.regions)
	s.regions = append(s.regions, r)
	return r.clone(), nil
}

func (s *RegionStore) uniqueID() (string, error) {
	for i := 0; i < maxIDAttempts; i++ {
		id := s.newID()
		if _, taken := s.index[id]; !taken && id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("generate manual id after %d attempts: %w", maxIDAttempts, ErrDuplicateRegion)
}

// Remove deletes the region with the given id. Removing an absent id is a
// no-op and reports false.
func (s *RegionStore) Remove(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAdjusting("remove region"); err != nil {
		return false, err
	}
	pos, ok := s.index[id]
	if !ok {
		return false, nil
	}
	s.regions = append(s.regions[:pos], s.regions[pos+1:]...)
	delete(s.index, id)
	for i := pos; i < len(s.regions); i++ {
		s.index[s.regions[i].ID] = i
	}
	return true, nil
}

// ApplyClassification merges analyze results into the regions by id. The
// whole batch is validated first; a result for an unknown id, an unknown
// lesion type or a confidence outside [0,1] rejects the batch with a
// *ValidationError and nothing is changed. Regions without a result keep
// their current values.
func (s *RegionStore) ApplyClassification(results map[string]Classification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkAdjusting("apply classification"); err != nil {
		return err
	}
	if err := s.validateResults(results); err != nil {
		return err
	}
	for id, c := range results {
		mergeClassification(&s.regions[s.index[id]], c)
	}
	return nil
}

// Classified returns a copy of the regions with results merged in, leaving
// the store unchanged. It validates exactly like ApplyClassification, so a
// batch accepted here is accepted there while the store is not mutated in
// between.
func (s *RegionStore) Classified(results map[string]Classification) ([]Region, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkAdjusting("classify"); err != nil {
		return nil, err
	}
	if err := s.validateResults(results); err != nil {
		return nil, err
	}
	out := s.snapshot()
	for id, c := range results {
		mergeClassification(&out[s.index[id]], c)
	}
	return out, nil
}

func (s *RegionStore) validateResults(results map[string]Classification) error {
	for id, c := range results {
		if _, ok := s.index[id]; !ok {
			return NewValidationError("detectedLesions", "result references unknown region %q", id)
		}
		if !c.Classification.Valid() {
			return NewValidationError("classification", "unknown lesion type %q for region %q", c.Classification, id)
		}
		if math.IsNaN(c.Confidence) || c.Confidence < 0 || c.Confidence > 1 {
			return NewValidationError("confidence", "confidence %v for region %q is outside [0,1]", c.Confidence, id)
		}
	}
	return nil
}

func mergeClassification(r *Region, c Classification) {
	class := c.Classification
	conf := c.Confidence
	r.Classification = &class
	r.Confidence = &conf
	if c.Tracking != nil {
		t := *c.Tracking
		r.Tracking = &t
	}
	if c.Predictions != nil {
		r.Predictions = append([]Prediction(nil), c.Predictions...)
	}
}

// Freeze stops all further mutation and returns the final region list.
func (s *RegionStore) Freeze() []Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stage = StageFrozen
	return s.snapshot()
}

// Reset empties the store and reopens it for detection.
func (s *RegionStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions = nil
	s.index = make(map[string]int)
	s.stage = StageDetecting
}

// List returns a deep copy of the regions in insertion order.
func (s *RegionStore) List() []Region {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot()
}

// Get returns a copy of the region with the given id.
func (s *RegionStore) Get(id string) (Region, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.index[id]
	if !ok {
		return Region{}, false
	}
	return s.regions[pos].clone(), true
}

// Len returns the number of regions.
func (s *RegionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.regions)
}

func (s *RegionStore) snapshot() []Region {
	out := make([]Region, len(s.regions))
	for i, r := range s.regions {
		out[i] = r.clone()
	}
	return out
}

func (s *RegionStore) checkAdjusting(op string) error {
	switch s.stage {
	case StageAdjusting:
		return nil
	case StageFrozen:
		return fmt.Errorf("%s: %w", op, ErrStoreFrozen)
	default:
		return fmt.Errorf("%s in stage %s: %w", op, s.stage, ErrStoreNotSeeding)
	}
}
