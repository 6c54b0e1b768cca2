package middleware

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// BodyLimit answers 413 when a request body exceeds max bytes. A declared
// Content-Length is checked up front; otherwise the limit is enforced while
// the handler reads.
func BodyLimit(max int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if max <= 0 || req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if req.ContentLength > max {
				return errBodyTooLarge(max)
			}
			body := &cappedBody{ReadCloser: http.MaxBytesReader(c.Response(), req.Body, max)}
			req.Body = body

			err := next(c)
			if body.exceeded {
				return errBodyTooLarge(max)
			}
			return err
		}
	}
}

func errBodyTooLarge(max int64) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body exceeds the limit").
		SetInternal(&http.MaxBytesError{Limit: max})
}

// cappedBody remembers whether the reader hit the limit, since bind errors
// are re-wrapped by handlers before they reach the middleware.
type cappedBody struct {
	io.ReadCloser
	exceeded bool
}

func (b *cappedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		b.exceeded = true
	}
	return n, err
}
