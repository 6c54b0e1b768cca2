package middleware

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func bodyRequest(body string, declareLength bool) *http.Request {
	req := httptest.NewRequest(http.MethodPut, "/api/v1/studies/1/assignments", strings.NewReader(body))
	if !declareLength {
		req.ContentLength = -1
	}
	return req
}

func wantTooLarge(t *testing.T, err error) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %v", err)
	}
}

func TestBodyLimit_AllowsBodyWithinLimit(t *testing.T) {
	e := echo.New()
	payload := `{"subjects":["S1"],"cohort_ids":[4]}`
	c := e.NewContext(bodyRequest(payload, true), httptest.NewRecorder())

	err := BodyLimit(1024)(func(c echo.Context) error {
		b, err := io.ReadAll(c.Request().Body)
		if err != nil {
			return err
		}
		if string(b) != payload {
			t.Errorf("body altered: %s", b)
		}
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBodyLimit_DeclaredLengthRejectedUpFront(t *testing.T) {
	e := echo.New()
	c := e.NewContext(bodyRequest(strings.Repeat("x", 2048), true), httptest.NewRecorder())

	called := false
	err := BodyLimit(1024)(func(echo.Context) error {
		called = true
		return nil
	})(c)
	wantTooLarge(t, err)
	if called {
		t.Error("handler must not run for an oversized declared body")
	}
}

func TestBodyLimit_StreamedBodyRejectedWhileReading(t *testing.T) {
	e := echo.New()
	c := e.NewContext(bodyRequest(strings.Repeat("x", 2048), false), httptest.NewRecorder())

	err := BodyLimit(1024)(func(c echo.Context) error {
		if _, err := io.ReadAll(c.Request().Body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return nil
	})(c)
	wantTooLarge(t, err)
}
