package session

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dermrx/dermrx/internal/domain/annotation"
	"github.com/dermrx/dermrx/internal/domain/lesion"
	"github.com/dermrx/dermrx/internal/platform/imagestore"
	"github.com/dermrx/dermrx/pkg/geometry"
)

type fakeInference struct {
	detect  func(ctx context.Context) ([]lesion.DetectedRegion, error)
	analyze func(ctx context.Context, regions []lesion.Region) (map[string]lesion.Classification, error)
}

func (f *fakeInference) Detect(ctx context.Context, _ string) ([]lesion.DetectedRegion, error) {
	return f.detect(ctx)
}

func (f *fakeInference) Analyze(ctx context.Context, _, _ string, regions []lesion.Region) (map[string]lesion.Classification, error) {
	return f.analyze(ctx, regions)
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
	stale       int
}

func (o *recordingObserver) ObserveTransition(from, to string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, from+"->"+to)
}

func (o *recordingObserver) IncrementStaleDrops() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stale++
}

func detectOne(context.Context) ([]lesion.DetectedRegion, error) {
	return []lesion.DetectedRegion{
		{ID: "lesion-1", BoundingBox: geometry.Box{X: 0.1, Y: 0.1, Width: 0.2, Height: 0.2}},
	}, nil
}

// classifyAll labels the detected region melanoma and every other region
// nevus.
func classifyAll(_ context.Context, regions []lesion.Region) (map[string]lesion.Classification, error) {
	out := make(map[string]lesion.Classification, len(regions))
	for _, r := range regions {
		c := lesion.Classification{Classification: lesion.Nevus, Confidence: 0.3}
		if r.Provenance == lesion.ProvenanceDetected {
			c = lesion.Classification{Classification: lesion.Melanoma, Confidence: 0.85}
		}
		out[r.ID] = c
	}
	return out, nil
}

func testImage(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type fixture struct {
	session  *Session
	inf      *fakeInference
	svc      *lesion.Service
	images   *imagestore.MemoryStore
	observer *recordingObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		inf:      &fakeInference{detect: detectOne, analyze: classifyAll},
		svc:      lesion.NewService(lesion.NewMemoryAnalysisRepo()),
		images:   imagestore.NewMemoryStore(0),
		observer: &recordingObserver{},
	}
	f.session = New("sess-1", Context{PatientID: "pat-1"}, Deps{
		Inference: f.inf,
		Persister: f.svc,
		Images:    f.images,
		Observer:  f.observer,
		Logger:    zerolog.Nop(),
	})
	return f
}

func (f *fixture) adjusting(t *testing.T) {
	t.Helper()
	if _, err := f.session.SubmitImage(context.Background(), testImage(t), "upload"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if st := f.session.State(); st != StateAdjusting {
		t.Fatalf("expected adjusting, got %s", st)
	}
}

func TestSession_EndToEnd(t *testing.T) {
	f := newFixture(t)

	snap, err := f.session.SubmitImage(context.Background(), testImage(t), "upload")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if snap.State != StateAdjusting || len(snap.Regions) != 1 {
		t.Fatalf("unexpected snapshot after detect: %+v", snap)
	}
	if snap.Image == nil || snap.Image.Width != 4 {
		t.Fatalf("expected stored image, got %+v", snap.Image)
	}

	manual, err := f.session.AddRegion(geometry.Box{X: 0.5, Y: 0.5, Width: 0.1, Height: 0.1})
	if err != nil {
		t.Fatalf("add region: %v", err)
	}
	if manual.Provenance != lesion.ProvenanceManual {
		t.Errorf("expected manual provenance, got %s", manual.Provenance)
	}

	area := "left arm"
	snap, err = f.session.ConfirmAnalyze(context.Background(), Metadata{BodyArea: &area})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if snap.State != StateComplete {
		t.Fatalf("expected complete, got %s", snap.State)
	}
	if len(snap.Regions) != 2 {
		t.Fatalf("expected 2 regions, got %d", len(snap.Regions))
	}
	for _, r := range snap.Regions {
		if !r.Classified() {
			t.Errorf("region %s is not classified", r.ID)
		}
	}
	if snap.Regions[0].Risk.Tier != lesion.TierHigh {
		t.Errorf("expected detected melanoma to be high risk, got %s", snap.Regions[0].Risk.Tier)
	}
	if snap.Summary.High != 1 || snap.Summary.Low != 1 {
		t.Errorf("unexpected summary %+v", snap.Summary)
	}
	if snap.AnalysisID == nil {
		t.Fatal("expected persisted analysis id")
	}

	stored, err := f.svc.GetAnalysis(context.Background(), "pat-1", *snap.AnalysisID)
	if err != nil {
		t.Fatalf("get analysis: %v", err)
	}
	if len(stored.DetectedLesions) != 2 || stored.BodyArea == nil || *stored.BodyArea != "left arm" {
		t.Errorf("unexpected stored analysis %+v", stored)
	}
	if stored.ImageURL != snap.Image.URL() {
		t.Errorf("expected image url %s, got %s", snap.Image.URL(), stored.ImageURL)
	}

	want := []string{"idle->detecting", "detecting->adjusting", "adjusting->analyzing", "analyzing->complete"}
	if len(f.observer.transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, f.observer.transitions)
	}
	for i := range want {
		if f.observer.transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], f.observer.transitions[i])
		}
	}
}

func TestSession_PointerDrawing(t *testing.T) {
	f := newFixture(t)
	f.adjusting(t)

	if err := f.session.SetDrawingMode(true); err != nil {
		t.Fatal(err)
	}
	steps := []annotation.PointerEvent{
		{Type: annotation.PointerDown, X: 100, Y: 50, Width: 200, Height: 100},
		{Type: annotation.PointerMove, X: 120, Y: 70},
	}
	for _, ev := range steps {
		if _, err := f.session.Pointer(ev); err != nil {
			t.Fatalf("pointer %s: %v", ev.Type, err)
		}
	}
	if snap := f.session.Snapshot(); snap.Drawing != annotation.StateDrawing || snap.Candidate == nil {
		t.Fatalf("expected an active candidate, got %+v", snap)
	}

	out, err := f.session.Pointer(annotation.PointerEvent{Type: annotation.PointerUp, X: 120, Y: 70})
	if err != nil {
		t.Fatal(err)
	}
	if out.Committed == nil {
		t.Fatal("expected a committed region")
	}
	want := geometry.Box{X: 0.5, Y: 0.5, Width: 0.1, Height: 0.2}
	got := out.Committed.BoundingBox
	if !near(got.X, want.X) || !near(got.Y, want.Y) || !near(got.Width, want.Width) || !near(got.Height, want.Height) {
		t.Errorf("expected box %+v, got %+v", want, got)
	}
	if n := len(f.session.Regions()); n != 2 {
		t.Errorf("expected 2 regions, got %d", n)
	}
}

func near(a, b float64) bool {
	d := a - b
	return d < 1e-9 && d > -1e-9
}

func TestSession_SelectionAndDelete(t *testing.T) {
	f := newFixture(t)
	f.adjusting(t)
	manual, err := f.session.AddRegion(geometry.Box{X: 0.5, Y: 0.5, Width: 0.1, Height: 0.1})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.session.Select("lesion-1", true); err != nil {
		t.Fatal(err)
	}
	selected, err := f.session.Select(manual.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(selected) != 2 {
		t.Fatalf("expected 2 selected, got %v", selected)
	}
	if _, err := f.session.Select("ghost", false); !errors.Is(err, lesion.ErrRegionNotFound) {
		t.Errorf("expected ErrRegionNotFound, got %v", err)
	}

	n, err := f.session.DeleteSelected()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || len(f.session.Regions()) != 0 {
		t.Errorf("expected both regions removed, got n=%d regions=%d", n, len(f.session.Regions()))
	}
	if len(f.session.Snapshot().Selected) != 0 {
		t.Error("expected empty selection")
	}
}

func TestSession_RemoveRegionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.adjusting(t)

	if ok, err := f.session.RemoveRegion("lesion-1"); err != nil || !ok {
		t.Fatalf("expected removal, got ok=%v err=%v", ok, err)
	}
	if ok, err := f.session.RemoveRegion("lesion-1"); err != nil || ok {
		t.Fatalf("expected no-op, got ok=%v err=%v", ok, err)
	}
}

func TestSession_InvalidTransitions(t *testing.T) {
	f := newFixture(t)

	if _, err := f.session.AddRegion(geometry.Box{Width: 0.1, Height: 0.1}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("add in idle: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.session.ConfirmAnalyze(context.Background(), Metadata{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("analyze in idle: expected ErrInvalidTransition, got %v", err)
	}
	if err := f.session.SetDrawingMode(true); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("drawing in idle: expected ErrInvalidTransition, got %v", err)
	}

	f.adjusting(t)
	if _, err := f.session.SubmitImage(context.Background(), testImage(t), "upload"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second submit: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.session.Reset(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("reset while adjusting: expected ErrInvalidTransition, got %v", err)
	}
}

func TestSession_AnalyzeRequiresRegions(t *testing.T) {
	f := newFixture(t)
	f.adjusting(t)
	if _, err := f.session.RemoveRegion("lesion-1"); err != nil {
		t.Fatal(err)
	}

	called := false
	f.inf.analyze = func(context.Context, []lesion.Region) (map[string]lesion.Classification, error) {
		called = true
		return nil, nil
	}
	snap, err := f.session.ConfirmAnalyze(context.Background(), Metadata{})
	if !lesion.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if called {
		t.Error("analyze must not be called without regions")
	}
	if snap.State != StateAdjusting || snap.LastError == nil || snap.LastError.Kind != "validation" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestSession_DetectFailureReturnsToIdle(t *testing.T) {
	f := newFixture(t)
	f.inf.detect = func(context.Context) ([]lesion.DetectedRegion, error) {
		return nil, &lesion.NetworkError{Op: "detect", Err: errors.New("unreachable")}
	}

	snap, err := f.session.SubmitImage(context.Background(), testImage(t), "upload")
	if !lesion.IsNetwork(err) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if snap.State != StateIdle || len(snap.Regions) != 0 || snap.Image != nil {
		t.Errorf("expected clean idle snapshot, got %+v", snap)
	}
	if snap.LastError == nil || snap.LastError.Kind != "network" {
		t.Fatalf("expected recorded network error, got %+v", snap.LastError)
	}
	if n := f.images.Len(); n != 0 {
		t.Errorf("expected failed upload to be deleted, %d images left", n)
	}

	f.session.DismissError()
	if f.session.Snapshot().LastError != nil {
		t.Error("expected error to be dismissed")
	}

	f.inf.detect = detectOne
	f.adjusting(t)
}

func TestSession_DetectDuplicateIDsRejected(t *testing.T) {
	f := newFixture(t)
	f.inf.detect = func(context.Context) ([]lesion.DetectedRegion, error) {
		box := geometry.Box{Width: 0.1, Height: 0.1}
		return []lesion.DetectedRegion{{ID: "a", BoundingBox: box}, {ID: "a", BoundingBox: box}}, nil
	}
	_, err := f.session.SubmitImage(context.Background(), testImage(t), "upload")
	if !lesion.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if f.session.State() != StateIdle {
		t.Errorf("expected idle, got %s", f.session.State())
	}
}

func TestSession_UndecodableImage(t *testing.T) {
	f := newFixture(t)
	_, err := f.session.SubmitImage(context.Background(), []byte("not an image"), "upload")
	if !lesion.IsDecode(err) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if f.session.State() != StateIdle {
		t.Errorf("expected idle, got %s", f.session.State())
	}
}

func TestSession_AnalyzeFailureReturnsToAdjusting(t *testing.T) {
	f := newFixture(t)
	f.adjusting(t)
	f.inf.analyze = func(context.Context, []lesion.Region) (map[string]lesion.Classification, error) {
		return nil, &lesion.NetworkError{Op: "analyze", Err: errors.New("timeout")}
	}

	snap, err := f.session.ConfirmAnalyze(context.Background(), Metadata{})
	if !lesion.IsNetwork(err) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if snap.State != StateAdjusting || len(snap.Regions) != 1 {
		t.Fatalf("expected adjusting with regions kept, got %+v", snap)
	}

	f.inf.analyze = classifyAll
	snap, err = f.session.ConfirmAnalyze(context.Background(), Metadata{})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if snap.State != StateComplete || snap.LastError != nil {
		t.Errorf("expected complete without error, got %+v", snap)
	}
}

func TestSession_AnalyzeUnknownIDRejected(t *testing.T) {
	f := newFixture(t)
	f.adjusting(t)
	f.inf.analyze = func(context.Context, []lesion.Region) (map[string]lesion.Classification, error) {
		return map[string]lesion.Classification{
			"ghost": {Classification: lesion.Melanoma, Confidence: 0.9},
		}, nil
	}

	_, err := f.session.ConfirmAnalyze(context.Background(), Metadata{})
	if !lesion.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if f.session.State() != StateAdjusting {
		t.Errorf("expected adjusting, got %s", f.session.State())
	}
}

func TestSession_PartialClassificationNotPersisted(t *testing.T) {
	f := newFixture(t)
	f.adjusting(t)
	if _, err := f.session.AddRegion(geometry.Box{X: 0.5, Y: 0.5, Width: 0.1, Height: 0.1}); err != nil {
		t.Fatal(err)
	}
	f.inf.analyze = func(context.Context, []lesion.Region) (map[string]lesion.Classification, error) {
		return map[string]lesion.Classification{
			"lesion-1": {Classification: lesion.Nevus, Confidence: 0.6},
		}, nil
	}

	_, err := f.session.ConfirmAnalyze(context.Background(), Metadata{})
	if !lesion.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	list, _ := f.svc.ListAnalyses(context.Background(), "pat-1", "", lesion.SortNewestFirst)
	if len(list) != 0 {
		t.Errorf("expected nothing persisted, got %d", len(list))
	}
	if st := f.session.State(); st != StateAdjusting {
		t.Errorf("expected adjusting, got %s", st)
	}
	for _, r := range f.session.Regions() {
		if r.Classification != nil || r.Confidence != nil {
			t.Errorf("region %s kept classification from the failed analysis", r.ID)
		}
		if tier := lesion.Classify(r).Tier; tier != lesion.TierLow {
			t.Errorf("region %s: expected low tier while unclassified, got %s", r.ID, tier)
		}
	}
}

type failingPersister struct{}

func (failingPersister) CreateAnalysis(context.Context, *lesion.Analysis) error {
	return errors.New("database unavailable")
}

func TestSession_PersistFailureLeavesRegionsUnclassified(t *testing.T) {
	f := newFixture(t)
	f.session.deps.Persister = failingPersister{}
	f.adjusting(t)
	f.inf.analyze = func(context.Context, []lesion.Region) (map[string]lesion.Classification, error) {
		return map[string]lesion.Classification{
			"lesion-1": {Classification: lesion.Melanoma, Confidence: 0.95},
		}, nil
	}

	snap, err := f.session.ConfirmAnalyze(context.Background(), Metadata{})
	if err == nil {
		t.Fatal("expected persist error")
	}
	if snap.State != StateAdjusting || snap.Summary.High != 0 {
		t.Errorf("expected unclassified adjusting snapshot, got state=%s summary=%+v", snap.State, snap.Summary)
	}
	r, ok := f.session.store.Get("lesion-1")
	if !ok || r.Classification != nil {
		t.Fatalf("expected lesion-1 unclassified, got %+v", r)
	}

	f.session.deps.Persister = f.svc
	f.inf.analyze = classifyAll
	if _, err := f.session.ConfirmAnalyze(context.Background(), Metadata{}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if r, _ := f.session.store.Get("lesion-1"); r.Classification == nil {
		t.Error("expected classification after successful retry")
	}
}

func TestSession_CancelDropsLateDetection(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.inf.detect = func(context.Context) ([]lesion.DetectedRegion, error) {
		close(started)
		<-release
		return detectOne(context.Background())
	}

	errc := make(chan error, 1)
	go func() {
		_, err := f.session.SubmitImage(context.Background(), testImage(t), "upload")
		errc <- err
	}()

	<-started
	if st := f.session.State(); st != StateDetecting {
		t.Fatalf("expected detecting, got %s", st)
	}
	snap := f.session.Cancel()
	if snap.State != StateIdle {
		t.Fatalf("expected idle after cancel, got %s", snap.State)
	}
	close(release)

	if err := <-errc; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if st := f.session.State(); st != StateIdle {
		t.Errorf("late response changed state to %s", st)
	}
	if n := len(f.session.Regions()); n != 0 {
		t.Errorf("late response seeded %d regions", n)
	}
	if f.observer.stale != 1 {
		t.Errorf("expected 1 stale drop, got %d", f.observer.stale)
	}
}

func TestSession_CancelAbandonsAnalysis(t *testing.T) {
	f := newFixture(t)
	f.adjusting(t)
	started := make(chan struct{})
	f.inf.analyze = func(ctx context.Context, _ []lesion.Region) (map[string]lesion.Classification, error) {
		close(started)
		<-ctx.Done()
		return nil, &lesion.NetworkError{Op: "analyze", Err: ctx.Err()}
	}

	errc := make(chan error, 1)
	go func() {
		_, err := f.session.ConfirmAnalyze(context.Background(), Metadata{})
		errc <- err
	}()
	<-started
	f.session.Cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrSuperseded) {
			t.Fatalf("expected ErrSuperseded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("analysis was not abandoned")
	}
	snap := f.session.Snapshot()
	if snap.State != StateIdle || snap.LastError != nil {
		t.Errorf("expected clean idle, got %+v", snap)
	}
	if n := f.images.Len(); n != 0 {
		t.Errorf("expected abandoned upload to be deleted, %d images left", n)
	}
}

func TestSession_ResetAfterComplete(t *testing.T) {
	f := newFixture(t)
	f.adjusting(t)
	if _, err := f.session.ConfirmAnalyze(context.Background(), Metadata{}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.session.AddRegion(geometry.Box{Width: 0.1, Height: 0.1}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected completed session to reject edits, got %v", err)
	}

	snap, err := f.session.Reset()
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != StateIdle || len(snap.Regions) != 0 || snap.AnalysisID != nil || snap.Image != nil {
		t.Errorf("expected cleared session, got %+v", snap)
	}
	if n := f.images.Len(); n != 1 {
		t.Errorf("expected the analysed image to be kept, got %d images", n)
	}
	f.adjusting(t)
}

func TestSession_SelectAfterComplete(t *testing.T) {
	f := newFixture(t)
	f.adjusting(t)
	if _, err := f.session.ConfirmAnalyze(context.Background(), Metadata{}); err != nil {
		t.Fatal(err)
	}
	selected, err := f.session.Select("lesion-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(selected) != 1 || selected[0] != "lesion-1" {
		t.Errorf("unexpected selection %v", selected)
	}
	if _, err := f.session.DeleteSelected(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestSession_MinAreaEnforced(t *testing.T) {
	f := newFixture(t)
	f.adjusting(t)
	_, err := f.session.AddRegion(geometry.Box{X: 0.5, Y: 0.5, Width: 0.001, Height: 0.001})
	if !errors.Is(err, lesion.ErrBoxTooSmall) {
		t.Fatalf("expected ErrBoxTooSmall, got %v", err)
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&lesion.ValidationError{Message: "x"}, "validation"},
		{lesion.ErrBoxTooSmall, "validation"},
		{&lesion.NetworkError{Op: "detect", Err: errors.New("x")}, "network"},
		{&lesion.DecodeError{Err: errors.New("x")}, "decode"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}
