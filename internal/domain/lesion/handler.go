package lesion

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/dermrx/dermrx/internal/platform/auth"
	"github.com/dermrx/dermrx/internal/platform/fhir"
	"github.com/dermrx/dermrx/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	role := auth.RequireRole("clinician", "patient")

	read := api.Group("", role, auth.RequirePatientAccess("patientId"))
	read.GET("/analyses/:patientId", h.ListAnalyses)
	read.GET("/analyses/:patientId/body-areas", h.ListBodyAreas)
	read.GET("/analyses/:patientId/:id", h.GetAnalysis)
	read.GET("/analyses/:patientId/:id/growth/:regionId", h.GetGrowth)

	fhirRead := fhirGroup.Group("", role)
	fhirRead.GET("/DiagnosticReport", h.SearchDiagnosticReportFHIR)
	fhirRead.GET("/DiagnosticReport/:id", h.GetDiagnosticReportFHIR)
}

// ListAnalyses returns the patient timeline, optionally filtered by
// bodyArea and ordered by sort=asc|desc.
func (h *Handler) ListAnalyses(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, err := h.svc.ListAnalyses(c.Request().Context(), c.Param("patientId"),
		c.QueryParam("bodyArea"), ParseSortOrder(c.QueryParam("sort")))
	if err != nil {
		return RespondError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Page(items, pg), len(items), pg))
}

func (h *Handler) ListBodyAreas(c echo.Context) error {
	areas, err := h.svc.BodyAreas(c.Request().Context(), c.Param("patientId"))
	if err != nil {
		return RespondError(c, err)
	}
	if areas == nil {
		areas = []string{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"bodyAreas": areas})
}

func (h *Handler) GetAnalysis(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.svc.GetAnalysis(c.Request().Context(), c.Param("patientId"), id)
	if err != nil {
		return RespondError(c, err)
	}
	return c.JSON(http.StatusOK, analysisView(a))
}

func (h *Handler) GetGrowth(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	points, _ := strconv.Atoi(c.QueryParam("points"))
	series, err := h.svc.Growth(c.Request().Context(), c.Param("patientId"), id, c.Param("regionId"), points)
	if err != nil {
		return RespondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"regionId": c.Param("regionId"),
		"unit":     "cm2",
		"points":   series,
	})
}

func (h *Handler) SearchDiagnosticReportFHIR(c echo.Context) error {
	patient := c.QueryParam("patient")
	if patient == "" {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("patient", "search requires the patient parameter"))
	}
	if !auth.CanAccessPatient(c.Request().Context(), patient) {
		return c.JSON(http.StatusForbidden, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeSecurity, "access to this patient is not permitted"))
	}
	pg := pagination.FromContext(c)
	items, err := h.svc.ListAnalyses(c.Request().Context(), patient, c.QueryParam("body-site"), SortNewestFirst)
	if err != nil {
		return RespondError(c, err)
	}
	paged := pagination.Page(items, pg)
	resources := make([]map[string]interface{}, len(paged))
	for i, a := range paged {
		resources[i] = a.ToFHIR()
	}
	return c.JSON(http.StatusOK, fhir.NewSearchBundle(resources, fhir.SearchBundleParams{
		BaseURL: "/fhir/DiagnosticReport",
		Query:   c.QueryParams(),
		Count:   pg.Limit,
		Offset:  pg.Offset,
		Total:   len(items),
	}))
}

func (h *Handler) GetDiagnosticReportFHIR(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("DiagnosticReport", c.Param("id")))
	}
	a, err := h.svc.GetAnalysisByID(c.Request().Context(), id)
	if err != nil {
		if IsNotFound(err) {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("DiagnosticReport", c.Param("id")))
		}
		return RespondError(c, err)
	}
	if !auth.CanAccessPatient(c.Request().Context(), a.PatientID) {
		// Same answer as a missing report, so ids cannot be probed.
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("DiagnosticReport", c.Param("id")))
	}
	return c.JSON(http.StatusOK, a.ToFHIR())
}

// AnalysisView decorates an analysis with per-region risk and a summary.
type AnalysisView struct {
	*Analysis
	Regions []RegionView `json:"regions"`
	Summary RiskSummary  `json:"summary"`
}

// RegionView pairs a region with its assessment.
type RegionView struct {
	Region
	Risk Assessment `json:"risk"`
}

func analysisView(a *Analysis) AnalysisView {
	views := make([]RegionView, len(a.DetectedLesions))
	for i, r := range a.DetectedLesions {
		r.Predictions = r.SortedPredictions()
		views[i] = RegionView{Region: r, Risk: Classify(r)}
	}
	return AnalysisView{Analysis: a, Regions: views, Summary: SummarizeRisk(a.DetectedLesions)}
}
