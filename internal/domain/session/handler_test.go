package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dermrx/dermrx/internal/domain/overlay"
	"github.com/dermrx/dermrx/internal/platform/auth"
	"github.com/dermrx/dermrx/internal/platform/smart"
)

type stubContexts map[string]*smart.SessionContext

func (s stubContexts) Get(id string) (*smart.SessionContext, error) {
	sc, ok := s[id]
	if !ok {
		return nil, smart.ErrContextNotFound
	}
	return sc, nil
}

type stubFetcher struct {
	docs    []smart.ImageDocument
	listErr error
	data    []byte
	err     error
	fetched []string
}

func (s *stubFetcher) ListImageDocuments(context.Context, *smart.SessionContext) ([]smart.ImageDocument, error) {
	return s.docs, s.listErr
}

func (s *stubFetcher) FetchImage(_ context.Context, _ *smart.SessionContext, imageURL string) ([]byte, error) {
	s.fetched = append(s.fetched, imageURL)
	return s.data, s.err
}

func newTestHandler(t *testing.T, docs DocumentFetcher) (*Handler, *Manager) {
	t.Helper()
	m := NewManager(testDeps(), time.Minute, nil)
	t.Cleanup(m.Close)
	contexts := stubContexts{
		"ctx-1": {ID: "ctx-1", PatientID: "pat-7", FHIRUser: "Practitioner/1", FHIRBaseURL: "https://ehr.test/fhir"},
	}
	return NewHandler(m, contexts, docs, overlay.NewHeatMap(overlay.ModeHue, 0), 1<<20), m
}

func call(t *testing.T, fn echo.HandlerFunc, method, body string, params ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, "/", nil)
	} else {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	return serve(t, fn, req, params...)
}

func serve(t *testing.T, fn echo.HandlerFunc, req *http.Request, params ...string) *httptest.ResponseRecorder {
	t.Helper()
	if auth.UserIDFromContext(req.Context()) == "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), "dr", []string{auth.RoleClinician}, ""))
	}
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	var names, values []string
	for i := 0; i+1 < len(params); i += 2 {
		names = append(names, params[i])
		values = append(values, params[i+1])
	}
	c.SetParamNames(names...)
	c.SetParamValues(values...)
	if err := fn(c); err != nil {
		t.Fatalf("unexpected handler error: %v", err)
	}
	return rec
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) Snapshot {
	t.Helper()
	var snap Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v (%s)", err, rec.Body.String())
	}
	return snap
}

func TestHandler_Create(t *testing.T) {
	h, _ := newTestHandler(t, nil)

	rec := call(t, h.Create, http.MethodPost, `{"patientId":"pat-1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if snap := decodeSnapshot(t, rec); snap.State != StateIdle || snap.Context.PatientID != "pat-1" {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	rec = call(t, h.Create, http.MethodPost, `{"smartContextId":"ctx-1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if snap := decodeSnapshot(t, rec); snap.Context.PatientID != "pat-7" || snap.Context.FHIRUser != "Practitioner/1" {
		t.Errorf("expected context from launch, got %+v", snap.Context)
	}

	if rec := call(t, h.Create, http.MethodPost, `{"smartContextId":"nope"}`); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := call(t, h.Create, http.MethodPost, `{}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rec.Code)
	}
}

func TestHandler_FullFlow(t *testing.T) {
	h, m := newTestHandler(t, nil)
	s := m.Create(Context{PatientID: "pat-1"})
	id := s.ID()

	img := base64.StdEncoding.EncodeToString(testImage(t))
	rec := call(t, h.SubmitImage, http.MethodPost, `{"imageBase64":"data:image/png;base64,`+img+`"}`, "id", id)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if snap := decodeSnapshot(t, rec); snap.State != StateAdjusting || len(snap.Regions) != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	rec = call(t, h.AddRegion, http.MethodPost, `{"boundingBox":{"x":0.5,"y":0.5,"width":0.1,"height":0.1}}`, "id", id)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add region: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = call(t, h.Overlays, http.MethodGet, "", "id", id)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("overlays without size: expected 422, got %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/?width=200&height=100", nil)
	rec = serve(t, h.Overlays, req, "id", id)
	if rec.Code != http.StatusOK {
		t.Fatalf("overlays: expected 200, got %d", rec.Code)
	}
	var layout struct {
		Boxes []overlay.BoxOverlay `json:"boxes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &layout); err != nil {
		t.Fatal(err)
	}
	if len(layout.Boxes) != 2 {
		t.Errorf("expected 2 boxes, got %d", len(layout.Boxes))
	}

	rec = call(t, h.Analyze, http.MethodPost, `{"bodyArea":"back"}`, "id", id)
	if rec.Code != http.StatusOK {
		t.Fatalf("analyze: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	snap := decodeSnapshot(t, rec)
	if snap.State != StateComplete || snap.AnalysisID == nil {
		t.Fatalf("expected completed analysis, got %+v", snap)
	}

	req = httptest.NewRequest(http.MethodGet, "/?width=40&height=20&mode=red", nil)
	rec = serve(t, h.HeatMap, req, "id", id)
	if rec.Code != http.StatusOK || rec.Header().Get(echo.HeaderContentType) != "image/png" {
		t.Fatalf("heatmap: got %d %s", rec.Code, rec.Header().Get(echo.HeaderContentType))
	}

	if rec := call(t, h.Reset, http.MethodPost, "", "id", id); rec.Code != http.StatusOK {
		t.Errorf("reset: expected 200, got %d", rec.Code)
	}
}

func TestHandler_SubmitMultipart(t *testing.T) {
	h, m := newTestHandler(t, nil)
	s := m.Create(Context{PatientID: "pat-1"})

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "lesion.png")
	if err != nil {
		t.Fatal(err)
	}
	part.Write(testImage(t))
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/", &body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	rec := serve(t, h.SubmitImage, req, "id", s.ID())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if s.State() != StateAdjusting {
		t.Errorf("expected adjusting, got %s", s.State())
	}
}

func TestHandler_SubmitErrors(t *testing.T) {
	h, m := newTestHandler(t, nil)
	s := m.Create(Context{PatientID: "pat-1"})

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"missing image", `{}`, http.StatusUnprocessableEntity},
		{"bad base64", `{"imageBase64":"***"}`, http.StatusBadRequest},
		{"not an image", `{"imageBase64":"` + base64.StdEncoding.EncodeToString([]byte("hello")) + `"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(t, h.SubmitImage, http.MethodPost, tt.body, "id", s.ID())
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}

	if rec := call(t, h.SubmitImage, http.MethodPost, `{}`, "id", "missing"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_SubmitDocument(t *testing.T) {
	listed := []smart.ImageDocument{{DocumentID: "doc-1", URL: "https://ehr.test/binary/1", ContentType: "image/png"}}
	docs := &stubFetcher{docs: listed, data: testImage(t)}
	h, m := newTestHandler(t, docs)
	s := m.Create(Context{PatientID: "pat-7", SMARTContextID: "ctx-1"})

	rejected := []struct {
		name string
		url  string
	}{
		{"not http", "ftp://x"},
		{"foreign origin", "https://attacker.test/steal.png"},
		{"userinfo trick", "https://ehr.test@attacker.test/steal.png"},
		{"not listed", "https://ehr.test/binary/9"},
	}
	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			rec := call(t, h.SubmitDocument, http.MethodPost, `{"url":"`+tt.url+`"}`, "id", s.ID())
			if rec.Code != http.StatusUnprocessableEntity {
				t.Errorf("expected 422, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
	if len(docs.fetched) != 0 {
		t.Fatalf("rejected urls must not be fetched, got %v", docs.fetched)
	}

	rec := call(t, h.SubmitDocument, http.MethodPost, `{"url":"https://ehr.test/binary/1"}`, "id", s.ID())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if snap := decodeSnapshot(t, rec); snap.Image == nil || snap.Image.Source != "https://ehr.test/binary/1" {
		t.Errorf("expected image sourced from document, got %+v", snap.Image)
	}
}

func TestHandler_SubmitDocumentNeedsLaunch(t *testing.T) {
	docs := &stubFetcher{data: testImage(t)}
	h, m := newTestHandler(t, docs)
	s := m.Create(Context{PatientID: "pat-1"})

	rec := call(t, h.SubmitDocument, http.MethodPost, `{"url":"https://ehr.test/binary/1"}`, "id", s.ID())
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rec.Code)
	}
	if len(docs.fetched) != 0 {
		t.Errorf("expected no fetch, got %v", docs.fetched)
	}
}

func TestHandler_SubmitDocumentEHRErrors(t *testing.T) {
	listed := []smart.ImageDocument{{DocumentID: "doc-1", URL: "https://ehr.test/binary/1", ContentType: "image/png"}}
	tests := []struct {
		name string
		docs *stubFetcher
		want int
	}{
		{"list fails", &stubFetcher{listErr: errors.New("401")}, http.StatusBadGateway},
		{"fetch fails", &stubFetcher{docs: listed, err: errors.New("401")}, http.StatusBadGateway},
		{"too large", &stubFetcher{docs: listed, err: smart.ErrResponseTooLarge}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, m := newTestHandler(t, tt.docs)
			s := m.Create(Context{PatientID: "pat-7", SMARTContextID: "ctx-1"})
			rec := call(t, h.SubmitDocument, http.MethodPost, `{"url":"https://ehr.test/binary/1"}`, "id", s.ID())
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandler_ConflictsAndPointer(t *testing.T) {
	h, m := newTestHandler(t, nil)
	s := m.Create(Context{PatientID: "pat-1"})
	id := s.ID()

	if rec := call(t, h.Analyze, http.MethodPost, "", "id", id); rec.Code != http.StatusConflict {
		t.Errorf("analyze in idle: expected 409, got %d", rec.Code)
	}
	if rec := call(t, h.Pointer, http.MethodPost, `{"type":"down","x":1,"y":1}`, "id", id); rec.Code != http.StatusConflict {
		t.Errorf("pointer in idle: expected 409, got %d", rec.Code)
	}

	img := base64.StdEncoding.EncodeToString(testImage(t))
	if rec := call(t, h.SubmitImage, http.MethodPost, `{"imageBase64":"`+img+`"}`, "id", id); rec.Code != http.StatusOK {
		t.Fatalf("submit: %d", rec.Code)
	}
	if rec := call(t, h.SetDrawing, http.MethodPut, `{"enabled":true}`, "id", id); rec.Code != http.StatusOK {
		t.Fatalf("drawing: %d", rec.Code)
	}
	if rec := call(t, h.Pointer, http.MethodPost, `{"type":"down","x":1,"y":1}`, "id", id); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("pointer without viewport: expected 422, got %d", rec.Code)
	}
	if rec := call(t, h.Pointer, http.MethodPost, `{"type":"wiggle","x":1,"y":1,"width":10,"height":10}`, "id", id); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown pointer: expected 422, got %d", rec.Code)
	}

	rec := call(t, h.Select, http.MethodPost, `{"regionId":"lesion-1"}`, "id", id)
	if rec.Code != http.StatusOK {
		t.Fatalf("select: %d", rec.Code)
	}
	rec = call(t, h.DeleteSelected, http.MethodDelete, "", "id", id)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"removed":1`) {
		t.Errorf("delete selected: %d %s", rec.Code, rec.Body.String())
	}
	if rec := call(t, h.RemoveRegion, http.MethodDelete, "", "id", id, "regionId", "lesion-1"); rec.Code != http.StatusNoContent {
		t.Errorf("double delete: expected 204, got %d", rec.Code)
	}
	if rec := call(t, h.Analyze, http.MethodPost, "", "id", id); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("analyze without regions: expected 422, got %d", rec.Code)
	}
	if rec := call(t, h.DismissError, http.MethodDelete, "", "id", id); rec.Code != http.StatusNoContent {
		t.Errorf("dismiss: expected 204, got %d", rec.Code)
	}
	if rec := call(t, h.Cancel, http.MethodPost, "", "id", id); rec.Code != http.StatusOK || s.State() != StateIdle {
		t.Errorf("cancel: %d state=%s", rec.Code, s.State())
	}
}

func TestHandler_PatientScope(t *testing.T) {
	h, m := newTestHandler(t, nil)
	other := m.Create(Context{PatientID: "pat-2"})

	asPatient := func(fn echo.HandlerFunc, method, body string, params ...string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req = req.WithContext(auth.WithIdentity(req.Context(), "p1", []string{auth.RolePatient}, "pat-1"))
		return serve(t, fn, req, params...)
	}

	if rec := asPatient(h.Create, http.MethodPost, `{"patientId":"pat-1"}`); rec.Code != http.StatusCreated {
		t.Errorf("own session: expected 201, got %d", rec.Code)
	}
	if rec := asPatient(h.Create, http.MethodPost, `{"patientId":"pat-2"}`); rec.Code != http.StatusForbidden {
		t.Errorf("other patient: expected 403, got %d", rec.Code)
	}
	if rec := asPatient(h.Get, http.MethodGet, "", "id", other.ID()); rec.Code != http.StatusNotFound {
		t.Errorf("other session: expected 404, got %d", rec.Code)
	}
	asPatient(h.Delete, http.MethodDelete, "", "id", other.ID())
	if _, err := m.Get(other.ID()); err != nil {
		t.Error("a patient must not delete another patient's session")
	}
}
