package lesion

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/dermrx/dermrx/internal/platform/fhir"
)

// RespondError writes err as an OperationOutcome with the status that
// matches its kind.
func RespondError(c echo.Context, err error) error {
	status, outcome := ErrorOutcome(err)
	if status >= http.StatusInternalServerError {
		log.Ctx(c.Request().Context()).Warn().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	return c.JSON(status, outcome)
}

// ErrorOutcome maps an error onto an HTTP status and OperationOutcome.
func ErrorOutcome(err error) (int, *fhir.OperationOutcome) {
	var (
		ve *ValidationError
		ne *NetworkError
		de *DecodeError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusUnprocessableEntity, fhir.InvalidOutcome(ve.Field, ve.Error())
	case errors.As(err, &de):
		return http.StatusBadRequest, fhir.StructureOutcome(de.Error())
	case errors.As(err, &ne):
		return http.StatusBadGateway, fhir.TransientOutcome(ne.Error())
	case errors.Is(err, ErrBoxTooSmall):
		return http.StatusUnprocessableEntity, fhir.InvalidOutcome("boundingBox", err.Error())
	case errors.Is(err, ErrStoreFrozen), errors.Is(err, ErrStoreNotSeeding), errors.Is(err, ErrDuplicateRegion):
		return http.StatusConflict, fhir.ConflictOutcome(err.Error())
	case IsNotFound(err):
		return http.StatusNotFound, fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, err.Error())
	default:
		return http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error())
	}
}
