package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	RequestIDHeader = "X-Request-ID"
	SessionIDHeader = "X-Session-ID"

	requestIDKey = "request_id"
	sessionIDKey = "session_id"
)

// RequestID reuses an incoming X-Request-ID or generates a new one, stores it
// on the context and echoes it back on the response.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" {
				rid = uuid.New().String()
			}
			c.Set(requestIDKey, rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}

// SessionID identifies the caller's cache session. Clients keep the value
// returned on the first response and send it back on later requests so that
// their subject lists stay cached between pages.
func SessionID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sid := c.Request().Header.Get(SessionIDHeader)
			if _, err := uuid.Parse(sid); err != nil {
				sid = uuid.New().String()
			}
			c.Set(sessionIDKey, sid)
			c.Response().Header().Set(SessionIDHeader, sid)
			return next(c)
		}
	}
}

// GetSessionID returns the session id set by SessionID, or "".
func GetSessionID(c echo.Context) string {
	sid, _ := c.Get(sessionIDKey).(string)
	return sid
}

// GetRequestID returns the request id set by RequestID, or "".
func GetRequestID(c echo.Context) string {
	rid, _ := c.Get(requestIDKey).(string)
	return rid
}
