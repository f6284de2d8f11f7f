// Package session drives one image through detection, manual adjustment and
// final classification, and keeps the per-user sessions that do so.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dermrx/dermrx/internal/domain/annotation"
	"github.com/dermrx/dermrx/internal/domain/lesion"
	"github.com/dermrx/dermrx/internal/platform/imagestore"
	"github.com/dermrx/dermrx/pkg/geometry"
)

// State is a step of the analysis lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateDetecting State = "detecting"
	StateAdjusting State = "adjusting"
	StateAnalyzing State = "analyzing"
	StateComplete  State = "complete"
)

var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrSessionNotFound   = errors.New("session not found")
	// ErrSuperseded is returned to the caller whose response arrived after a
	// cancel or reset. The response has been dropped.
	ErrSuperseded = errors.New("request superseded by cancel or reset")
)

// Inference is the remote detection and classification service.
type Inference interface {
	Detect(ctx context.Context, imageBase64 string) ([]lesion.DetectedRegion, error)
	Analyze(ctx context.Context, imageBase64, patientID string, regions []lesion.Region) (map[string]lesion.Classification, error)
}

// Persister stores finalized analyses. *lesion.Service satisfies it.
type Persister interface {
	CreateAnalysis(ctx context.Context, a *lesion.Analysis) error
}

// ImageStore keeps the uploaded image. *imagestore.MemoryStore satisfies it.
type ImageStore interface {
	Put(ctx context.Context, patientID, source string, data []byte) (*imagestore.Image, error)
	Delete(ctx context.Context, id string) error
}

// Observer is notified of transitions and dropped responses.
type Observer interface {
	ObserveTransition(from, to string)
	IncrementStaleDrops()
}

// Context is the identity a session acts for, usually taken from a SMART
// launch.
type Context struct {
	PatientID      string `json:"patientId"`
	SMARTContextID string `json:"smartContextId,omitempty"`
	FHIRUser       string `json:"fhirUser,omitempty"`
}

// Deps bundles the collaborators of a session.
type Deps struct {
	Inference Inference
	Persister Persister
	Images    ImageStore
	Observer  Observer
	Logger    zerolog.Logger
	// MinArea is the smallest manual box accepted, in normalized units.
	MinArea float64
}

// Metadata is attached to the analysis when it is persisted.
type Metadata struct {
	BodyArea *string `json:"bodyArea,omitempty"`
	Notes    *string `json:"notes,omitempty"`
}

// Session is one pass of the detect, adjust, analyze lifecycle over a single
// image. All methods are safe for concurrent use. Network calls run without
// the lock held; a generation counter bumped by Cancel and Reset lets the
// session recognize and drop responses that arrive late.
type Session struct {
	mu sync.Mutex

	id      string
	ctx     Context
	deps    Deps
	logger  zerolog.Logger
	now     func() time.Time
	created time.Time
	updated time.Time

	state    State
	gen      uint64
	inflight context.CancelFunc

	store    *lesion.RegionStore
	annot    *annotation.Controller
	image    *imagestore.Image
	imageB64 string
	meta     Metadata
	result   *lesion.Analysis
	lastErr  error
}

// New returns an idle session.
func New(id string, sc Context, deps Deps) *Session {
	minArea := deps.MinArea
	if minArea <= 0 {
		minArea = annotation.DefaultMinArea
	}
	deps.MinArea = minArea
	store := lesion.NewRegionStore(lesion.WithMinArea(minArea))
	now := time.Now().UTC()
	return &Session{
		id:      id,
		ctx:     sc,
		deps:    deps,
		logger:  deps.Logger.With().Str("session_id", id).Logger(),
		now:     func() time.Time { return time.Now().UTC() },
		created: now,
		updated: now,
		state:   StateIdle,
		store:   store,
		annot:   annotation.NewController(store, minArea),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SubmitImage stores the image and runs detection. It is accepted only in
// StateIdle, so a second submit while one is in flight is rejected. On
// success the regions are seeded and the session is adjusting; on failure it
// returns to idle with the error recorded.
func (s *Session) SubmitImage(ctx context.Context, data []byte, source string) (Snapshot, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		defer s.mu.Unlock()
		return s.snapshot(), s.invalid("submit image")
	}
	img, err := s.deps.Images.Put(ctx, s.ctx.PatientID, source, data)
	if err != nil {
		s.lastErr = err
		defer s.mu.Unlock()
		return s.snapshot(), err
	}
	s.image = img
	s.imageB64 = base64.StdEncoding.EncodeToString(data)
	s.result = nil
	s.lastErr = nil
	s.store.Reset()
	s.annot.Reset()
	s.transition(StateDetecting)
	gen, callCtx := s.begin(ctx)
	imageB64 := s.imageB64
	s.mu.Unlock()

	detected, err := s.deps.Inference.Detect(callCtx, imageB64)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale(gen) {
		return s.snapshot(), ErrSuperseded
	}
	s.inflight = nil
	if err == nil {
		err = s.store.SeedFromDetection(detected)
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("detection failed")
		s.store.Reset()
		s.discardImage()
		s.image = nil
		s.imageB64 = ""
		s.lastErr = err
		s.transition(StateIdle)
		return s.snapshot(), err
	}
	s.transition(StateAdjusting)
	return s.snapshot(), nil
}

// AddRegion adds a manual region directly, bypassing pointer input.
func (s *Session) AddRegion(box geometry.Box) (lesion.Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAdjusting {
		return lesion.Region{}, s.invalid("add region")
	}
	r, err := s.store.AddManual(box)
	if err == nil {
		s.touch()
	}
	return r, err
}

// RemoveRegion deletes a region. Removing an unknown id is not an error.
func (s *Session) RemoveRegion(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAdjusting {
		return false, s.invalid("remove region")
	}
	ok, err := s.store.Remove(id)
	if err != nil {
		return false, err
	}
	s.annot.Forget(id)
	s.touch()
	return ok, nil
}

// Pointer feeds a pointer event to the annotation controller.
func (s *Session) Pointer(ev annotation.PointerEvent) (annotation.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAdjusting {
		return annotation.Outcome{}, s.invalid("pointer " + string(ev.Type))
	}
	out, err := s.annot.Handle(ev)
	if err == nil {
		s.touch()
	}
	return out, err
}

// SetDrawingMode toggles manual drawing.
func (s *Session) SetDrawingMode(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on && s.state != StateAdjusting {
		return s.invalid("enable drawing")
	}
	s.annot.SetDrawingMode(on)
	s.touch()
	return nil
}

// Select toggles the selection of a region. Selection is allowed while
// adjusting and after completion, where it drives follow-up scheduling.
func (s *Session) Select(id string, multi bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAdjusting && s.state != StateComplete {
		return nil, s.invalid("select region")
	}
	if _, ok := s.store.Get(id); !ok {
		return nil, fmt.Errorf("select %q: %w", id, lesion.ErrRegionNotFound)
	}
	s.annot.SetMultiSelect(multi)
	s.annot.Select(id)
	s.touch()
	return s.annot.Selected(), nil
}

// ClearSelection empties the selection.
func (s *Session) ClearSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.annot.ClearSelection()
	s.touch()
}

// DeleteSelected removes every selected region.
func (s *Session) DeleteSelected() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAdjusting {
		return 0, s.invalid("delete selected")
	}
	n, err := s.annot.DeleteSelected()
	s.touch()
	return n, err
}

// ConfirmAnalyze sends every current region for classification. It needs at
// least one region. The classifications reach the region store only once the
// analysis is persisted, and the session completes; on failure the regions
// are left as they were and the session returns to adjusting so the user can
// retry without re-detecting.
func (s *Session) ConfirmAnalyze(ctx context.Context, meta Metadata) (Snapshot, error) {
	s.mu.Lock()
	if s.state != StateAdjusting {
		defer s.mu.Unlock()
		return s.snapshot(), s.invalid("analyze")
	}
	if s.store.Len() == 0 {
		defer s.mu.Unlock()
		err := &lesion.ValidationError{Field: "detectedLesions", Message: "at least one region is required"}
		s.lastErr = err
		return s.snapshot(), err
	}
	s.annot.SetDrawingMode(false)
	s.meta = meta
	s.lastErr = nil
	regions := s.store.List()
	imageB64 := s.imageB64
	s.transition(StateAnalyzing)
	gen, callCtx := s.begin(ctx)
	s.mu.Unlock()

	results, err := s.deps.Inference.Analyze(callCtx, imageB64, s.ctx.PatientID, regions)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stale(gen) {
		return s.snapshot(), ErrSuperseded
	}
	s.inflight = nil
	var classified []lesion.Region
	if err == nil {
		classified, err = s.store.Classified(results)
	}
	if err == nil {
		err = s.persist(ctx, classified)
	}
	if err == nil {
		err = s.store.ApplyClassification(results)
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("analysis failed")
		s.lastErr = err
		s.transition(StateAdjusting)
		return s.snapshot(), err
	}
	s.store.Freeze()
	s.transition(StateComplete)
	return s.snapshot(), nil
}

func (s *Session) persist(ctx context.Context, regions []lesion.Region) error {
	a := &lesion.Analysis{
		PatientID:       s.ctx.PatientID,
		ImageURL:        s.image.URL(),
		BodyArea:        s.meta.BodyArea,
		Notes:           s.meta.Notes,
		DetectedLesions: regions,
		CreatedAt:       s.now(),
	}
	if err := s.deps.Persister.CreateAnalysis(ctx, a); err != nil {
		return err
	}
	s.result = a
	return nil
}

// Cancel abandons the session from any non-idle state. In-flight requests
// are cancelled and their responses dropped; all regions are discarded.
func (s *Session) Cancel() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		s.clear()
		s.transition(StateIdle)
	}
	return s.snapshot()
}

// Reset clears a completed session for the next image.
func (s *Session) Reset() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateIdle:
		return s.snapshot(), nil
	case StateComplete:
		s.clear()
		s.transition(StateIdle)
		return s.snapshot(), nil
	default:
		return s.snapshot(), s.invalid("reset")
	}
}

// DismissError clears the recorded error.
func (s *Session) DismissError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = nil
	s.touch()
}

// Regions returns the current regions.
func (s *Session) Regions() []lesion.Region {
	return s.store.List()
}

// IsSelected reports whether a region is selected.
func (s *Session) IsSelected(id string) bool {
	return s.annot.IsSelected(id)
}

// Snapshot returns a consistent view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// UpdatedAt is the time of the last mutation.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updated
}

// Close cancels any in-flight request.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.inflight != nil {
		s.inflight()
		s.inflight = nil
	}
}

// begin starts a network call under a new generation. Callers hold mu.
func (s *Session) begin(ctx context.Context) (uint64, context.Context) {
	s.gen++
	callCtx, cancel := context.WithCancel(ctx)
	s.inflight = cancel
	return s.gen, callCtx
}

// stale reports whether a response for generation gen must be dropped.
// Callers hold mu.
func (s *Session) stale(gen uint64) bool {
	if gen == s.gen {
		return false
	}
	s.logger.Debug().Uint64("generation", gen).Uint64("current", s.gen).Msg("dropping stale response")
	if s.deps.Observer != nil {
		s.deps.Observer.IncrementStaleDrops()
	}
	return true
}

// clear drops all per-image state. Callers hold mu.
func (s *Session) clear() {
	s.gen++
	if s.inflight != nil {
		s.inflight()
		s.inflight = nil
	}
	s.store.Reset()
	s.annot.Reset()
	s.discardImage()
	s.image = nil
	s.imageB64 = ""
	s.meta = Metadata{}
	s.result = nil
	s.lastErr = nil
}

// discardImage deletes the upload unless a persisted analysis points at it.
// Callers hold mu.
func (s *Session) discardImage() {
	if s.image == nil || s.result != nil {
		return
	}
	if err := s.deps.Images.Delete(context.Background(), s.image.ID); err != nil {
		s.logger.Warn().Err(err).Str("image_id", s.image.ID).Msg("failed to delete discarded image")
	}
}

func (s *Session) transition(to State) {
	from := s.state
	s.state = to
	s.touch()
	s.logger.Info().Str("from", string(from)).Str("to", string(to)).Msg("session transition")
	if s.deps.Observer != nil {
		s.deps.Observer.ObserveTransition(string(from), string(to))
	}
}

func (s *Session) invalid(op string) error {
	return fmt.Errorf("%s in state %s: %w", op, s.state, ErrInvalidTransition)
}

func (s *Session) touch() {
	s.updated = s.now()
}
