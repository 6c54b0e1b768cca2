package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/studyengine/internal/platform/apperror"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		if GetRequestID(c) == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		if rid := GetRequestID(c); rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return c.String(http.StatusOK, "ok")
	}

	_ = RequestID()(handler)(c)
	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestSessionID_KeepsValidAndReplacesInvalid(t *testing.T) {
	e := echo.New()
	existing := uuid.New().String()

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"valid", existing, true},
		{"missing", "", false},
		{"garbage", "not-a-uuid", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(SessionIDHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			var seen string
			_ = SessionID()(func(c echo.Context) error {
				seen = GetSessionID(c)
				return nil
			})(c)

			if tt.keep && seen != tt.header {
				t.Errorf("expected %s, got %s", tt.header, seen)
			}
			if !tt.keep && (seen == "" || seen == tt.header) {
				t.Errorf("expected a fresh session id, got %q", seen)
			}
			if rec.Header().Get(SessionIDHeader) != seen {
				t.Error("session id must be echoed in the response header")
			}
		})
	}
}

func TestLogger_LogsRequest(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	if err := Logger(zerolog.Nop())(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLogger_PassesErrorThrough(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	want := apperror.Conflict("cohort", "Arm A")

	err := Logger(zerolog.Nop())(func(echo.Context) error { return want })(c)
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		panic("test panic")
	}

	err := Recovery(zerolog.Nop())(handler)(c)
	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}
}

func TestRecovery_LogsRequestAndSession(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/studies/1/subject-list", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	sid := uuid.New().String()
	req.Header.Set(SessionIDHeader, sid)
	c := e.NewContext(req, httptest.NewRecorder())

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	handler := func(echo.Context) error { panic("boom") }
	chain := RequestID()(SessionID()(Recovery(logger)(handler)))
	if err := chain(c); err == nil {
		t.Fatal("expected error from recovered panic")
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["request_id"] != "req-42" {
		t.Errorf("request_id = %v, want req-42", entry["request_id"])
	}
	if entry["session_id"] != sid {
		t.Errorf("session_id = %v, want %s", entry["session_id"], sid)
	}
	if entry["method"] != http.MethodPost || entry["panic"] != "boom" {
		t.Errorf("unexpected log entry %v", entry)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	if err := Recovery(zerolog.Nop())(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestErrorHandler_MapsTaxonomy(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantField  string
	}{
		{"validation", apperror.Validation("label", "is required"), http.StatusBadRequest, "validation", "label"},
		{"conflict", fmt.Errorf("create cohort: %w", apperror.Conflict("cohort", "Arm A")), http.StatusConflict, "conflict", ""},
		{"precondition", apperror.Precondition("cohort", 3, "cohort is in use"), http.StatusPreconditionFailed, "precondition", ""},
		{"configuration", &apperror.ConfigurationError{StudyID: 1, Reason: "continuous"}, http.StatusUnprocessableEntity, "configuration", ""},
		{"permission", &apperror.PermissionError{StudyID: 1, Reason: "shared"}, http.StatusForbidden, "permission", ""},
		{"echo", echo.NewHTTPError(http.StatusNotFound, "not found"), http.StatusNotFound, "http", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)

			ErrorHandler(zerolog.Nop())(tt.err, c)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			var body ErrorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Code != tt.wantCode || body.Field != tt.wantField {
				t.Errorf("unexpected body %+v", body)
			}
		})
	}
}

func TestErrorHandler_HidesInternalErrors(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	ErrorHandler(zerolog.Nop())(errors.New("pq: password authentication failed"), c)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body ErrorBody
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Error != http.StatusText(http.StatusInternalServerError) {
		t.Errorf("internal error text leaked: %q", body.Error)
	}
}
