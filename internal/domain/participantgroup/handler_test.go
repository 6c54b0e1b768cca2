package participantgroup

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/studyengine/internal/platform/grouplist"
	"github.com/ehr/studyengine/internal/platform/middleware"
)

const testSession = "5b0c8a8e-8c8e-4a5e-9d53-2f1f0f6f5a10"

func newTestServer() (*echo.Echo, *grouplist.Sessions) {
	svc, _, _ := newTestService()
	sessions := grouplist.NewSessions(grouplist.MemoryFactory(0), 0, zerolog.Nop())

	e := echo.New()
	e.HTTPErrorHandler = middleware.ErrorHandler(zerolog.Nop())
	e.Use(middleware.SessionID())
	NewHandler(svc, sessions).RegisterRoutes(e.Group("/api/v1"))
	return e, sessions
}

func doJSON(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(middleware.SessionIDHeader, testSession)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_ResolveSubjects(t *testing.T) {
	e, _ := newTestServer()

	rec := doJSON(e, http.MethodPost, "/api/v1/studies/1/subjects/resolve",
		`{"selectors":[{"kind":"cohort","id":7}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp subjectsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 2 || resp.Subjects[0] != "S1" || resp.Subjects[1] != "S3" {
		t.Errorf("unexpected subjects %+v", resp)
	}
}

func TestHandler_ResolveSubjects_UnknownKind(t *testing.T) {
	e, _ := newTestServer()

	rec := doJSON(e, http.MethodPost, "/api/v1/studies/1/subjects/resolve",
		`{"selectors":[{"kind":"visit","id":1}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_SubjectList_CachedPerSession(t *testing.T) {
	e, sessions := newTestServer()
	body := `{"dataset_id":3,"view_name":"Demographics","qc_state":"approved","selectors":[{"kind":"cohort","id":7}]}`

	rec := doJSON(e, http.MethodPost, "/api/v1/studies/1/subject-list", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp subjectsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Key == "" || resp.Count != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if sessions.Len() != 1 {
		t.Errorf("expected one open session, got %d", sessions.Len())
	}

	rec = doJSON(e, http.MethodGet,
		"/api/v1/studies/1/subject-list/neighbors?key="+url.QueryEscape(resp.Key)+"&current=S1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var nb neighborsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &nb); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if nb.Previous != "" || nb.Next != "S3" {
		t.Errorf("unexpected neighbors %+v", nb)
	}

	rec = doJSON(e, http.MethodPost, "/api/v1/studies/2/subject-list/invalidate",
		`{"dataset_id":3,"view_name":"Demographics"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"invalidated":0`) {
		t.Errorf("invalidating another study's view must not drop this list: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(e, http.MethodPost, "/api/v1/studies/1/subject-list/invalidate",
		`{"dataset_id":3,"view_name":"Demographics"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"invalidated":1`) {
		t.Errorf("unexpected invalidate response %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(e, http.MethodDelete, "/api/v1/session", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if sessions.Len() != 0 {
		t.Errorf("expected session to be closed, got %d open", sessions.Len())
	}
}

func TestHandler_SubjectList_RequiresDataset(t *testing.T) {
	e, _ := newTestServer()

	rec := doJSON(e, http.MethodPost, "/api/v1/studies/1/subject-list", `{"view_name":"Demographics"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_CreateCategory_Conflict(t *testing.T) {
	e, _ := newTestServer()

	rec := doJSON(e, http.MethodPost, "/api/v1/studies/1/categories", `{"label":"Site"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(e, http.MethodPost, "/api/v1/studies/1/categories", `{"label":" site "}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}
