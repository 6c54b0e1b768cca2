package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const panicStackSize = 8 << 10

// Recovery turns a handler panic into a 500. The log line carries the request
// and session ids so the panic can be tied to the caller's cached subject
// lists.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				buf := make([]byte, panicStackSize)
				buf = buf[:runtime.Stack(buf, false)]

				req := c.Request()
				logger.Error().
					Str("request_id", GetRequestID(c)).
					Str("session_id", GetSessionID(c)).
					Str("method", req.Method).
					Str("path", req.URL.Path).
					Str("route", c.Path()).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", buf).
					Msg("handler panicked")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}
