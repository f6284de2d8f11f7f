package followup

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dermrx/dermrx/internal/platform/auth"
	"github.com/dermrx/dermrx/internal/platform/fhir"
)

// SelectionSource resolves the patient and selected region ids of a live
// analysis session.
type SelectionSource interface {
	Selection(sessionID string) (patientID string, analysisID *int64, regionIDs []string, err error)
}

type Handler struct {
	sched    *Scheduler
	sessions SelectionSource
}

// NewHandler wires the follow-up routes. sessions may be nil.
func NewHandler(sched *Scheduler, sessions SelectionSource) *Handler {
	return &Handler{sched: sched, sessions: sessions}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/followups", auth.RequireRole("clinician", "patient"))
	g.GET("/slots", h.Slots)
	g.GET("", h.List)
	g.POST("", h.Book)
	g.POST("/:id/cancel", h.Cancel)
}

func (h *Handler) Slots(c echo.Context) error {
	day, err := h.sched.ParseDate(c.QueryParam("date"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("date", err.Error()))
	}
	slots, err := h.sched.AvailableSlots(c.Request().Context(), day)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"date": c.QueryParam("date"), "slots": slots})
}

type bookRequest struct {
	BookingRequest
	SessionID string `json:"sessionId,omitempty"`
}

// Book reserves a slot. With a sessionId and no regionIds the session's
// current selection is booked.
func (h *Handler) Book(c echo.Context) error {
	var req bookRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.StructureOutcome("invalid request body"))
	}
	if req.SessionID != "" && len(req.RegionIDs) == 0 {
		if h.sessions == nil {
			return c.JSON(http.StatusUnprocessableEntity, fhir.InvalidOutcome("sessionId", "sessions are not available"))
		}
		patientID, analysisID, ids, err := h.sessions.Selection(req.SessionID)
		if err != nil {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Session", req.SessionID))
		}
		if req.PatientID == "" {
			req.PatientID = patientID
		}
		if req.AnalysisID == nil {
			req.AnalysisID = analysisID
		}
		req.RegionIDs = ids
	}
	if req.PatientID != "" && !auth.CanAccessPatient(c.Request().Context(), req.PatientID) {
		return forbidden(c)
	}
	appt, err := h.sched.Book(c.Request().Context(), req.BookingRequest)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, appt)
}

func (h *Handler) List(c echo.Context) error {
	patientID := c.QueryParam("patientId")
	if patientID == "" {
		return respondError(c, ErrMissingPatientID)
	}
	if !auth.CanAccessPatient(c.Request().Context(), patientID) {
		return forbidden(c)
	}
	appts := h.sched.List(c.Request().Context(), patientID)
	return c.JSON(http.StatusOK, map[string]interface{}{"data": appts, "total": len(appts)})
}

type cancelRequest struct {
	PatientID string `json:"patientId"`
}

func (h *Handler) Cancel(c echo.Context) error {
	var req cancelRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.StructureOutcome("invalid request body"))
	}
	if req.PatientID != "" && !auth.CanAccessPatient(c.Request().Context(), req.PatientID) {
		return forbidden(c)
	}
	if err := h.sched.Cancel(c.Request().Context(), c.Param("id"), req.PatientID); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func forbidden(c echo.Context) error {
	return c.JSON(http.StatusForbidden, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeSecurity, "access to this patient is not permitted"))
}

func respondError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrMissingPatientID):
		return c.JSON(http.StatusUnprocessableEntity, fhir.InvalidOutcome("patientId", err.Error()))
	case errors.Is(err, ErrMissingRegions):
		return c.JSON(http.StatusUnprocessableEntity, fhir.InvalidOutcome("regionIds", err.Error()))
	case errors.Is(err, ErrDateInPast):
		return c.JSON(http.StatusUnprocessableEntity, fhir.InvalidOutcome("date", err.Error()))
	case errors.Is(err, ErrSlotNotFound):
		return c.JSON(http.StatusUnprocessableEntity, fhir.InvalidOutcome("slot", err.Error()))
	case errors.Is(err, ErrSlotAlreadyBooked):
		return c.JSON(http.StatusConflict, fhir.ConflictOutcome(err.Error()))
	case errors.Is(err, ErrAppointmentNotFound):
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Appointment", c.Param("id")))
	case errors.Is(err, ErrWrongPatient):
		return c.JSON(http.StatusForbidden, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeSecurity, err.Error()))
	default:
		// Unparseable dates come back wrapped from ParseDate.
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("date", err.Error()))
	}
}
