package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/studyengine/internal/platform/apperror"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func errorStatus(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return apperror.HTTPStatus(err)
}

func errorCode(err error) string {
	switch {
	case apperror.IsValidation(err):
		return "validation"
	case apperror.IsConflict(err):
		return "conflict"
	case apperror.IsPrecondition(err):
		return "precondition"
	case apperror.IsConfiguration(err):
		return "configuration"
	case apperror.IsPermission(err):
		return "permission"
	case apperror.IsNotFound(err):
		return "not_found"
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return "http"
	}
	return "internal"
}

// ErrorHandler renders service errors as ErrorBody with the status from
// apperror.HTTPStatus. Internal errors are logged and their text withheld.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := errorStatus(err)
		body := ErrorBody{
			Error:     err.Error(),
			Code:      errorCode(err),
			RequestID: GetRequestID(c),
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			body.Error = fmt.Sprint(he.Message)
		}
		var ve *apperror.ValidationError
		if errors.As(err, &ve) {
			body.Field = ve.Field
		}
		if status >= http.StatusInternalServerError && he == nil {
			logger.Error().Err(err).Str("request_id", body.RequestID).Msg("unhandled error")
			body.Error = http.StatusText(status)
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, body)
		}
		if writeErr != nil {
			logger.Error().Err(writeErr).Msg("write error response")
		}
	}
}
