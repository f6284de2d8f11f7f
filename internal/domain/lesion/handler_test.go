package lesion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dermrx/dermrx/internal/platform/auth"
)

func newTestHandler(t *testing.T) (*Handler, *echo.Echo, *Analysis) {
	t.Helper()
	svc := newTestService()
	area := "back"
	r := classifiedRegion("det-1", Melanoma, 0.9)
	r.Tracking = &Tracking{InitialSize: 1, LastChecked: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), GrowthRate: 0.1}
	a := &Analysis{
		PatientID: "pat-1", ImageURL: "/api/v1/images/1", BodyArea: &area,
		DetectedLesions: []Region{r, classifiedRegion("manual-1", BasalCellCarcinoma, 0.2)},
	}
	if err := svc.CreateAnalysis(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	return NewHandler(svc), echo.New(), a
}

func TestHandler_ListAnalyses(t *testing.T) {
	h, e, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/?bodyArea=back", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patientId")
	c.SetParamValues("pat-1")

	if err := h.ListAnalyses(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Data  []Analysis `json:"data"`
		Total int        `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Total != 1 || len(body.Data) != 1 || len(body.Data[0].DetectedLesions) != 2 {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_GetAnalysis(t *testing.T) {
	h, e, a := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patientId", "id")
	c.SetParamValues("pat-1", strconv.FormatInt(a.ID, 10))

	if err := h.GetAnalysis(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var view struct {
		Summary RiskSummary `json:"summary"`
		Regions []struct {
			ID   string     `json:"id"`
			Risk Assessment `json:"risk"`
		} `json:"regions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.Summary.High != 1 || view.Summary.Medium != 1 {
		t.Errorf("unexpected summary %+v", view.Summary)
	}
	if len(view.Regions) != 2 || view.Regions[0].Risk.Tier != TierHigh {
		t.Errorf("unexpected regions %+v", view.Regions)
	}
}

func TestHandler_GetAnalysis_NotFound(t *testing.T) {
	h, e, a := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patientId", "id")
	c.SetParamValues("someone-else", strconv.FormatInt(a.ID, 10))

	if err := h.GetAnalysis(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_GetAnalysis_BadID(t *testing.T) {
	h, e, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("patientId", "id")
	c.SetParamValues("pat-1", "abc")

	err := h.GetAnalysis(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400 HTTPError, got %v", err)
	}
}

func TestHandler_GetGrowth(t *testing.T) {
	h, e, a := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/?points=4", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("patientId", "id", "regionId")
	c.SetParamValues("pat-1", strconv.FormatInt(a.ID, 10), "det-1")

	if err := h.GetGrowth(c); err != nil {
		t.Fatal(err)
	}
	var body struct {
		Points []GrowthPoint `json:"points"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Points) != 4 {
		t.Errorf("expected 4 points, got %d", len(body.Points))
	}
}

func TestHandler_SearchDiagnosticReportFHIR(t *testing.T) {
	h, e, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/?patient=pat-1", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), "dr", []string{auth.RoleClinician}, ""))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.SearchDiagnosticReportFHIR(c); err != nil {
		t.Fatal(err)
	}
	var bundle map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatal(err)
	}
	if bundle["resourceType"] != "Bundle" || bundle["total"].(float64) != 1 {
		t.Errorf("unexpected bundle %s", rec.Body.String())
	}
	entries := bundle["entry"].([]interface{})
	res := entries[0].(map[string]interface{})["resource"].(map[string]interface{})
	if res["resourceType"] != "DiagnosticReport" {
		t.Errorf("expected DiagnosticReport, got %v", res["resourceType"])
	}
	if len(res["contained"].([]interface{})) != 2 {
		t.Errorf("expected one contained observation per region")
	}
}

func TestHandler_SearchDiagnosticReportFHIR_RequiresPatient(t *testing.T) {
	h, e, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	if err := h.SearchDiagnosticReportFHIR(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_SearchDiagnosticReportFHIR_OtherPatient(t *testing.T) {
	h, e, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/?patient=pat-1", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), "p2", []string{auth.RolePatient}, "pat-2"))
	rec := httptest.NewRecorder()
	if err := h.SearchDiagnosticReportFHIR(e.NewContext(req, rec)); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
}

func TestHandler_GetDiagnosticReportFHIR_HidesOtherPatients(t *testing.T) {
	h, e, a := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), "p2", []string{auth.RolePatient}, "pat-2"))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(strconv.FormatInt(a.ID, 10))

	if err := h.GetDiagnosticReportFHIR(c); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestErrorOutcome_Mapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&ValidationError{Field: "x", Message: "bad"}, http.StatusUnprocessableEntity},
		{&DecodeError{Err: context.Canceled}, http.StatusBadRequest},
		{&NetworkError{Op: "detect", Err: context.DeadlineExceeded}, http.StatusBadGateway},
		{ErrNotFound, http.StatusNotFound},
		{ErrStoreFrozen, http.StatusConflict},
		{ErrBoxTooSmall, http.StatusUnprocessableEntity},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := ErrorOutcome(tt.err); got != tt.want {
			t.Errorf("ErrorOutcome(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
