package imagestore

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/dermrx/dermrx/internal/platform/auth"
	"github.com/dermrx/dermrx/internal/platform/fhir"
)

// Handler serves stored images.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("clinician", "patient"))
	read.GET("/images/:id", h.Download)
	read.GET("/images/:id/metadata", h.Metadata)
}

func (h *Handler) Download(c echo.Context) error {
	meta, data, err := h.load(c)
	if err != nil {
		return respondError(c, err)
	}
	c.Response().Header().Set("Content-Length", strconv.Itoa(len(data)))
	c.Response().Header().Set("ETag", `"`+meta.SHA256+`"`)
	c.Response().Header().Set("Cache-Control", "private, max-age=3600")
	return c.Blob(http.StatusOK, meta.ContentType, data)
}

func (h *Handler) Metadata(c echo.Context) error {
	meta, _, err := h.load(c)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, meta)
}

// load fetches the :id image, hiding images of patients the caller may not
// see.
func (h *Handler) load(c echo.Context) (*Image, []byte, error) {
	meta, data, err := h.store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return nil, nil, err
	}
	if !auth.CanAccessPatient(c.Request().Context(), meta.PatientID) {
		return nil, nil, ErrImageNotFound
	}
	return meta, data, nil
}

func respondError(c echo.Context, err error) error {
	if errors.Is(err, ErrImageNotFound) {
		return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome("Image", c.Param("id")))
	}
	return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error()))
}
