package session

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/dermrx/dermrx/internal/domain/annotation"
	"github.com/dermrx/dermrx/internal/domain/lesion"
	"github.com/dermrx/dermrx/internal/domain/overlay"
	"github.com/dermrx/dermrx/internal/platform/auth"
	"github.com/dermrx/dermrx/internal/platform/fhir"
	"github.com/dermrx/dermrx/internal/platform/smart"
	"github.com/dermrx/dermrx/pkg/geometry"
)

// ContextResolver looks up a SMART launch context. *smart.Registry
// satisfies it.
type ContextResolver interface {
	Get(id string) (*smart.SessionContext, error)
}

// DocumentFetcher lists and downloads a patient's image attachments from the
// EHR of a launch context. *smart.DocumentClient satisfies it.
type DocumentFetcher interface {
	ListImageDocuments(ctx context.Context, sc *smart.SessionContext) ([]smart.ImageDocument, error)
	FetchImage(ctx context.Context, sc *smart.SessionContext, imageURL string) ([]byte, error)
}

// Handler exposes sessions over HTTP.
type Handler struct {
	mgr      *Manager
	contexts ContextResolver
	docs     DocumentFetcher
	heat     *overlay.HeatMap
	maxImage int64
}

// NewHandler wires the session routes. contexts and docs may be nil when no
// EHR is configured.
func NewHandler(mgr *Manager, contexts ContextResolver, docs DocumentFetcher, heat *overlay.HeatMap, maxImage int64) *Handler {
	return &Handler{mgr: mgr, contexts: contexts, docs: docs, heat: heat, maxImage: maxImage}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/sessions", auth.RequireRole("clinician", "patient"))
	g.POST("", h.Create)
	g.GET("/:id", h.Get)
	g.DELETE("/:id", h.Delete)
	g.POST("/:id/image", h.SubmitImage)
	g.POST("/:id/image/document", h.SubmitDocument)
	g.POST("/:id/regions", h.AddRegion)
	g.DELETE("/:id/regions", h.DeleteSelected)
	g.DELETE("/:id/regions/:regionId", h.RemoveRegion)
	g.POST("/:id/pointer", h.Pointer)
	g.PUT("/:id/drawing", h.SetDrawing)
	g.POST("/:id/selection", h.Select)
	g.DELETE("/:id/selection", h.ClearSelection)
	g.POST("/:id/analyze", h.Analyze)
	g.POST("/:id/cancel", h.Cancel)
	g.POST("/:id/reset", h.Reset)
	g.DELETE("/:id/error", h.DismissError)
	g.GET("/:id/overlays", h.Overlays)
	g.GET("/:id/heatmap.png", h.HeatMap)
}

type createRequest struct {
	PatientID      string `json:"patientId"`
	SMARTContextID string `json:"smartContextId"`
}

func (h *Handler) Create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.StructureOutcome("invalid request body"))
	}
	sc := Context{PatientID: strings.TrimSpace(req.PatientID)}
	if req.SMARTContextID != "" {
		if h.contexts == nil {
			return respondError(c, &lesion.ValidationError{Field: "smartContextId", Message: "no EHR is configured"})
		}
		launch, err := h.contexts.Get(req.SMARTContextID)
		if err != nil {
			return respondError(c, err)
		}
		sc = Context{PatientID: launch.PatientID, SMARTContextID: launch.ID, FHIRUser: launch.FHIRUser}
	}
	if sc.PatientID == "" {
		return respondError(c, &lesion.ValidationError{Field: "patientId", Message: "patient id is required"})
	}
	if !auth.CanAccessPatient(c.Request().Context(), sc.PatientID) {
		return c.JSON(http.StatusForbidden, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeSecurity, "access to this patient is not permitted"))
	}
	s := h.mgr.Create(sc)
	return c.JSON(http.StatusCreated, s.Snapshot())
}

func (h *Handler) Get(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, s.Snapshot())
}

func (h *Handler) Delete(c echo.Context) error {
	if _, err := h.lookup(c); err == nil {
		h.mgr.Delete(c.Param("id"))
	}
	return c.NoContent(http.StatusNoContent)
}

// lookup resolves the :id session. Sessions of patients the caller may not
// see are reported as missing.
func (h *Handler) lookup(c echo.Context) (*Session, error) {
	s, err := h.mgr.Get(c.Param("id"))
	if err != nil {
		return nil, err
	}
	if !auth.CanAccessPatient(c.Request().Context(), s.ctx.PatientID) {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

type imageRequest struct {
	ImageBase64 string `json:"imageBase64"`
}

// SubmitImage accepts a multipart "file" field or a JSON body carrying the
// image as base64, optionally as a data URI.
func (h *Handler) SubmitImage(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return respondError(c, err)
	}
	data, err := h.readImage(c)
	if err != nil {
		return respondError(c, err)
	}
	snap, err := s.SubmitImage(c.Request().Context(), data, "upload")
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) readImage(c echo.Context) ([]byte, error) {
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		file, err := c.FormFile("file")
		if err != nil {
			return nil, &lesion.ValidationError{Field: "file", Message: "file is required"}
		}
		src, err := file.Open()
		if err != nil {
			return nil, err
		}
		defer src.Close()
		return h.readLimited(src)
	}

	var req imageRequest
	if err := c.Bind(&req); err != nil {
		return nil, &lesion.DecodeError{Source: "request body", Err: err}
	}
	raw := req.ImageBase64
	if i := strings.Index(raw, ","); strings.HasPrefix(raw, "data:") && i >= 0 {
		raw = raw[i+1:]
	}
	if raw == "" {
		return nil, &lesion.ValidationError{Field: "imageBase64", Message: "image is required"}
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, &lesion.DecodeError{Source: "imageBase64", Err: err}
	}
	if h.maxImage > 0 && int64(len(data)) > h.maxImage {
		return nil, &lesion.ValidationError{Field: "imageBase64", Message: "image exceeds maximum allowed size"}
	}
	return data, nil
}

func (h *Handler) readLimited(r io.Reader) ([]byte, error) {
	if h.maxImage <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, h.maxImage+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > h.maxImage {
		return nil, &lesion.ValidationError{Field: "file", Message: "image exceeds maximum allowed size"}
	}
	return data, nil
}

type documentRequest struct {
	URL string `json:"url"`
}

// SubmitDocument imports an image attachment listed by the EHR. The session
// must come from a SMART launch, and the URL must be one of that patient's
// image documents on the launch FHIR server.
func (h *Handler) SubmitDocument(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return respondError(c, err)
	}
	if h.docs == nil || h.contexts == nil {
		return respondError(c, &lesion.ValidationError{Field: "url", Message: "no EHR is configured"})
	}
	var req documentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.StructureOutcome("invalid request body"))
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return respondError(c, &lesion.ValidationError{Field: "url", Message: "an absolute http(s) url is required"})
	}
	if s.ctx.SMARTContextID == "" {
		return respondError(c, &lesion.ValidationError{Field: "url", Message: "document import requires a session started from a SMART launch"})
	}
	launch, err := h.contexts.Get(s.ctx.SMARTContextID)
	if err != nil {
		return respondError(c, err)
	}
	if launch.PatientID != s.ctx.PatientID {
		return respondError(c, &lesion.ValidationError{Field: "url", Message: "launch context belongs to another patient"})
	}
	if !smart.SameOrigin(launch.FHIRBaseURL, req.URL) {
		return respondError(c, &lesion.ValidationError{Field: "url", Message: "url is not served by the launch EHR"})
	}

	ctx := c.Request().Context()
	docs, err := h.docs.ListImageDocuments(ctx, launch)
	if err != nil {
		return respondError(c, &lesion.NetworkError{Op: "list documents", Err: err})
	}
	if !listsURL(docs, req.URL) {
		return respondError(c, &lesion.ValidationError{Field: "url", Message: "url is not an image document of this patient"})
	}

	data, err := h.docs.FetchImage(ctx, launch, req.URL)
	switch {
	case errors.Is(err, smart.ErrResponseTooLarge):
		return respondError(c, &lesion.ValidationError{Field: "url", Message: "image exceeds maximum allowed size"})
	case err != nil:
		return respondError(c, &lesion.NetworkError{Op: "fetch document", Err: err})
	}
	snap, err := s.SubmitImage(ctx, data, req.URL)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func listsURL(docs []smart.ImageDocument, target string) bool {
	for _, d := range docs {
		if d.URL == target {
			return true
		}
	}
	return false
}

type regionRequest struct {
	BoundingBox geometry.Box `json:"boundingBox"`
}

func (h *Handler) AddRegion(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return respondError(c, err)
	}
	var req regionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.StructureOutcome("invalid request body"))
	}
	r, err := s.AddRegion(req.BoundingBox)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, RegionView{Region: r, Risk: lesion.Classify(r)})
}

func (h *Handler) RemoveRegion(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return respondError(c, err)
	}
	if _, err := s.RemoveRegion(c.Param("regionId")); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DeleteSelected(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return respondError(c, err)
	}
	n, err := s.DeleteSelected()
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"removed": n})
}

func (h *Handler) Pointer(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return respondError(c, err)
	}
	var ev annotation.PointerEvent
	if err := c.Bind(&ev); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.StructureOutcome("invalid request body"))
	}
	out, err := s.Pointer(ev)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

type drawingRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *Handler) SetDrawing(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return respondError(c, err)
	}
	var req drawingRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.StructureOutcome("invalid request body"))
	}
	if err := s.SetDrawingMode(req.Enabled); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, s.Snapshot())
}

type selectRequest struct {
	RegionID string `json:"regionId"`
	Multi    bool   `json:"multi"`
}

func (h *Handler) Select(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return respondError(c, err)
	}
	var req selectRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.StructureOutcome("invalid request body"))
	}
	selected, err := s.Select(req.RegionID, req.Multi)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string][]string{"selected": selected})
}

func (h *Handler) ClearSelection(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return respondError(c, err)
	}
	s.ClearSelection()
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Analyze(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return respondError(c, err)
	}
	var meta Metadata
	if err := c.Bind(&meta); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.StructureOutcome("invalid request body"))
	}
	snap, err := s.ConfirmAnalyze(c.Request().Context(), meta)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) Cancel(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, s.Cancel())
}

func (h *Handler) Reset(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return respondError(c, err)
	}
	snap, err := s.Reset()
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) DismissError(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return respondError(c, err)
	}
	s.DismissError()
	return c.NoContent(http.StatusNoContent)
}

// Overlays lays out the live regions as boxes for the client's current
// zoom, pan and selection.
func (h *Handler) Overlays(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return respondError(c, err)
	}
	width, height, err := overlay.Dimensions(c)
	if err != nil {
		return respondError(c, err)
	}
	vp, err := overlay.ViewportFromQuery(c)
	if err != nil {
		return respondError(c, err)
	}
	heatVisible := c.QueryParam("heatmap") == "true"
	boxes, err := overlay.SafeBoxes(s.Regions(), float64(width), float64(height), vp,
		s.IsSelected, heatVisible, h.heat.Observer())
	if err != nil {
		return respondError(c, err)
	}
	snap := s.Snapshot()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessionId":      s.ID(),
		"width":          width,
		"height":         height,
		"viewport":       vp,
		"heatMapVisible": heatVisible,
		"boxes":          boxes,
		"candidate":      snap.Candidate,
	})
}

// HeatMap renders the live regions. Sessions change constantly, so nothing
// is cached.
func (h *Handler) HeatMap(c echo.Context) error {
	s, err := h.lookup(c)
	if err != nil {
		return respondError(c, err)
	}
	width, height, err := overlay.Dimensions(c)
	if err != nil {
		return respondError(c, err)
	}
	heat := h.heat
	if m := c.QueryParam("mode"); m != "" {
		mode, err := overlay.ParseMode(m)
		if err != nil {
			return respondError(c, &lesion.ValidationError{Field: "mode", Message: err.Error()})
		}
		heat = heat.WithMode(mode)
	}
	img, err := heat.Render(s.Regions(), width, height, true)
	if err != nil {
		return respondError(c, err)
	}
	data, err := overlay.EncodePNG(img)
	if err != nil {
		return respondError(c, err)
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.Blob(http.StatusOK, "image/png", data)
}

func respondError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Session", c.Param("id")))
	case errors.Is(err, smart.ErrContextNotFound):
		return c.JSON(http.StatusNotFound, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, err.Error()))
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrSuperseded):
		return c.JSON(http.StatusConflict, fhir.ConflictOutcome(err.Error()))
	case errors.Is(err, annotation.ErrNoViewport), errors.Is(err, annotation.ErrUnknownPointer):
		return c.JSON(http.StatusUnprocessableEntity, fhir.InvalidOutcome("pointer", err.Error()))
	default:
		return lesion.RespondError(c, err)
	}
}
