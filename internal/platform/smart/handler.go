package smart

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/dermrx/dermrx/internal/platform/fhir"
)

// Documents lists image documents for a launch context.
type Documents interface {
	ListImageDocuments(ctx context.Context, sc *SessionContext) ([]ImageDocument, error)
}

type Handler struct {
	registry *Registry
	docs     Documents
}

func NewHandler(registry *Registry, docs Documents) *Handler {
	return &Handler{registry: registry, docs: docs}
}

// RegisterRoutes mounts the launch-context routes. They sit outside the JWT
// group: the browser only holds the EHR tokens at this point.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/smart/context", h.CreateContext)
	api.GET("/smart/context/:id", h.GetContext)
	api.DELETE("/smart/context/:id", h.DeleteContext)
	api.GET("/smart/context/:id/documents", h.ListDocuments)
}

func (h *Handler) CreateContext(c echo.Context) error {
	var p LaunchPayload
	if err := c.Bind(&p); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.StructureOutcome("invalid request body"))
	}
	sc, err := h.registry.Create(p)
	if err != nil {
		if errors.Is(err, ErrInvalidLaunch) {
			return c.JSON(http.StatusUnprocessableEntity, fhir.InvalidOutcome("", err.Error()))
		}
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error()))
	}
	log.Ctx(c.Request().Context()).Info().
		Str("context_id", sc.ID).
		Str("fhir_user", sc.FHIRUser).
		Msg("smart context created")
	return c.JSON(http.StatusCreated, sc)
}

func (h *Handler) GetContext(c echo.Context) error {
	sc, err := h.registry.Get(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("SmartContext", c.Param("id")))
	}
	return c.JSON(http.StatusOK, sc)
}

func (h *Handler) DeleteContext(c echo.Context) error {
	h.registry.Delete(c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListDocuments(c echo.Context) error {
	sc, err := h.registry.Get(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("SmartContext", c.Param("id")))
	}
	if h.docs == nil {
		return c.JSON(http.StatusNotImplemented, fhir.ErrorOutcome("FHIR document access is not configured"))
	}
	docs, err := h.docs.ListImageDocuments(c.Request().Context(), sc)
	if err != nil {
		log.Ctx(c.Request().Context()).Warn().Err(err).Msg("document search failed")
		return c.JSON(http.StatusBadGateway, fhir.TransientOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": docs, "total": len(docs)})
}
