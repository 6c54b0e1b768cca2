package study

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/studyengine/internal/platform/apperror"
	"github.com/ehr/studyengine/pkg/pagination"
)

func TestHandler_CreateAndGet(t *testing.T) {
	svc, _ := newTestService()
	h := NewHandler(svc)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/studies", strings.NewReader(`{"label":"Trial","timepoint_type":"visit"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.CreateStudy(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var created Study
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("studyId")
	c.SetParamValues("1")
	if err := h.GetStudy(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Study
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if got.ID != created.ID || got.Label != "Trial" {
		t.Errorf("unexpected study %+v", got)
	}
}

func TestHandler_GetStudy_BadID(t *testing.T) {
	svc, _ := newTestService()
	h := NewHandler(svc)
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("studyId")
	c.SetParamValues("abc")

	err := h.GetStudy(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_GetStudy_NotFound(t *testing.T) {
	svc, _ := newTestService()
	h := NewHandler(svc)
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("studyId")
	c.SetParamValues("9")

	if err := h.GetStudy(c); !apperror.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHandler_ListStudies(t *testing.T) {
	svc, repo := newTestService()
	for _, label := range []string{"A", "B"} {
		_ = repo.Create(context.Background(), &Study{Label: label, TimepointType: TimepointVisit})
	}
	h := NewHandler(svc)
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/studies?limit=1", nil), rec)

	if err := h.ListStudies(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp pagination.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 2 || resp.Limit != 1 {
		t.Errorf("unexpected page %+v", resp)
	}
}
