package overlay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/patrickmn/go-cache"

	"github.com/dermrx/dermrx/internal/domain/lesion"
	"github.com/dermrx/dermrx/internal/platform/auth"
)

// AnalysisSource looks up a stored analysis for a patient.
type AnalysisSource interface {
	GetAnalysis(ctx context.Context, patientID string, id int64) (*lesion.Analysis, error)
}

// Handler serves heat-map PNGs and box layouts for stored analyses.
// Analyses are immutable, so rendered PNGs are cached by analysis, size and
// mode.
type Handler struct {
	src   AnalysisSource
	heat  *HeatMap
	cache *cache.Cache
}

func NewHandler(src AnalysisSource, heat *HeatMap, ttl time.Duration) *Handler {
	return &Handler{src: src, heat: heat, cache: cache.New(ttl, ttl*2)}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("clinician", "patient"), auth.RequirePatientAccess("patientId"))
	read.GET("/analyses/:patientId/:id/heatmap.png", h.GetHeatMap)
	read.GET("/analyses/:patientId/:id/overlays", h.GetOverlays)
}

func (h *Handler) GetHeatMap(c echo.Context) error {
	a, err := h.load(c)
	if a == nil {
		return err
	}
	width, height, err := Dimensions(c)
	if err != nil {
		return lesion.RespondError(c, err)
	}
	heat := h.heat
	if m := c.QueryParam("mode"); m != "" {
		mode, err := ParseMode(m)
		if err != nil {
			return lesion.RespondError(c, &lesion.ValidationError{Field: "mode", Message: err.Error()})
		}
		heat = heat.WithMode(mode)
	}

	key := fmt.Sprintf("%d:%dx%d:%s", a.ID, width, height, heat.Mode())
	if cached, ok := h.cache.Get(key); ok {
		c.Response().Header().Set("X-Cache", "HIT")
		return c.Blob(http.StatusOK, "image/png", cached.([]byte))
	}

	img, err := heat.Render(a.DetectedLesions, width, height, true)
	if err != nil {
		return lesion.RespondError(c, err)
	}
	data, err := EncodePNG(img)
	if err != nil {
		return lesion.RespondError(c, err)
	}
	h.cache.SetDefault(key, data)
	c.Response().Header().Set("X-Cache", "MISS")
	return c.Blob(http.StatusOK, "image/png", data)
}

func (h *Handler) GetOverlays(c echo.Context) error {
	a, err := h.load(c)
	if a == nil {
		return err
	}
	width, height, err := Dimensions(c)
	if err != nil {
		return lesion.RespondError(c, err)
	}
	vp, err := ViewportFromQuery(c)
	if err != nil {
		return lesion.RespondError(c, err)
	}
	selected := map[string]bool{}
	for _, id := range strings.Split(c.QueryParam("selected"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			selected[id] = true
		}
	}
	heatVisible := c.QueryParam("heatmap") == "true"

	boxes, err := SafeBoxes(a.DetectedLesions, float64(width), float64(height), vp,
		func(id string) bool { return selected[id] }, heatVisible, h.heat.Observer())
	if err != nil {
		return lesion.RespondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"analysisId":     a.ID,
		"width":          width,
		"height":         height,
		"viewport":       vp.Normalized(),
		"heatMapVisible": heatVisible,
		"boxes":          boxes,
	})
}

// load returns the addressed analysis, or a nil analysis once the error
// response has been written.
func (h *Handler) load(c echo.Context) (*lesion.Analysis, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	a, err := h.src.GetAnalysis(c.Request().Context(), c.Param("patientId"), id)
	if err != nil {
		return nil, lesion.RespondError(c, err)
	}
	return a, nil
}

// Dimensions reads the width and height query parameters.
func Dimensions(c echo.Context) (int, int, error) {
	w, errW := strconv.Atoi(c.QueryParam("width"))
	h, errH := strconv.Atoi(c.QueryParam("height"))
	if errW != nil || errH != nil {
		return 0, 0, &lesion.ValidationError{Field: "width,height", Message: "width and height are required integers"}
	}
	if w < 1 || h < 1 || w > MaxDimension || h > MaxDimension {
		return 0, 0, &lesion.ValidationError{Field: "width,height", Message: ErrInvalidSize.Error()}
	}
	return w, h, nil
}

// ViewportFromQuery reads zoom, panX and panY.
func ViewportFromQuery(c echo.Context) (Viewport, error) {
	vp := Identity
	for name, dst := range map[string]*float64{"zoom": &vp.Zoom, "panX": &vp.PanX, "panY": &vp.PanY} {
		raw := c.QueryParam(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Viewport{}, &lesion.ValidationError{Field: name, Message: "must be a number"}
		}
		*dst = v
	}
	return vp.Normalized(), nil
}

// IsRenderFailure reports whether err came from a recovered render panic.
func IsRenderFailure(err error) bool { return errors.Is(err, ErrRenderFailed) }
