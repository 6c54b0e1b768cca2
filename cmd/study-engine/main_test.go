package main

import (
	"bytes"
	"context"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/studyengine/internal/config"
	"github.com/ehr/studyengine/internal/domain/visit"
	"github.com/ehr/studyengine/internal/platform/db"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:            "0",
		Env:             "test",
		CacheBackend:    config.CacheMemory,
		SessionCacheTTL: time.Minute,
		StudyLock:       true,
		MetricsEnabled:  true,
		CORSOrigins:     []string{"http://localhost:3000"},
		RequestTimeout:  5 * time.Second,
		BodyLimit:       "1M",
	}
}

func testEcho(t *testing.T, cfg *config.Config) *echo.Echo {
	t.Helper()
	logger := zerolog.Nop()
	sessions, rdb, err := newSessions(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("newSessions() error: %v", err)
	}
	if rdb != nil {
		t.Fatal("memory backend must not open a redis client")
	}
	return newEcho(cfg, logger, newServices(nil, newLocker(cfg), logger), sessions, nil, map[string]db.Pinger{})
}

func routeSet(e *echo.Echo) map[string]bool {
	set := make(map[string]bool)
	for _, r := range e.Routes() {
		set[r.Method+" "+r.Path] = true
	}
	return set
}

func TestNewEcho_RegistersRoutes(t *testing.T) {
	routes := routeSet(testEcho(t, testConfig()))

	want := []string{
		"GET /health",
		"GET /metrics",
		"GET /api/v1/studies",
		"GET /api/v1/studies/:studyId/visits",
		"PUT /api/v1/studies/:studyId/visits/order",
		"GET /api/v1/studies/:studyId/visits/overlaps",
		"POST /api/v1/studies/:studyId/cohorts/recompute",
		"PUT /api/v1/studies/:studyId/assignment-mode",
		"PUT /api/v1/studies/:studyId/assignments",
		"POST /api/v1/studies/:studyId/groups",
		"POST /api/v1/studies/:studyId/subjects/resolve",
		"POST /api/v1/studies/:studyId/subject-list",
		"DELETE /api/v1/session",
	}
	for _, r := range want {
		if !routes[r] {
			t.Errorf("route %q not registered", r)
		}
	}
}

func TestNewEcho_MetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsEnabled = false
	if routeSet(testEcho(t, cfg))["GET /metrics"] {
		t.Error("metrics route must not be registered when disabled")
	}
}

func TestNewEcho_Health(t *testing.T) {
	e := testEcho(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"healthy"`) {
		t.Errorf("unexpected health body: %s", rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header from middleware")
	}
}

func TestNewEcho_BadStudyID(t *testing.T) {
	e := testEcho(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/studies/abc/cohorts", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestMigrationSource(t *testing.T) {
	if _, err := fs.ReadFile(migrationSource(""), "001_study_engine.sql"); err != nil {
		t.Fatalf("expected embedded migrations, got %v", err)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "050_extra.sql"), []byte("SELECT 1;"), 0o600); err != nil {
		t.Fatal(err)
	}
	migrations, err := db.NewMigrator(nil, migrationSource(dir)).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 1 || migrations[0].Version != 50 {
		t.Errorf("expected only the on-disk migration, got %+v", migrations)
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := rootCmd()
	for _, path := range [][]string{
		{"serve"},
		{"migrate", "up"},
		{"migrate", "status"},
		{"cohort", "recompute"},
		{"visits", "check"},
	} {
		cmd, _, err := root.Find(path)
		if err != nil || cmd == root {
			t.Errorf("subcommand %v not found", path)
		}
	}
}

func TestRecompute_RequiresStudy(t *testing.T) {
	root := rootCmd()
	root.SetArgs([]string{"cohort", "recompute"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "--study") {
		t.Errorf("expected missing --study error, got %v", err)
	}
}

func TestReportOverlaps(t *testing.T) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	if err := reportOverlaps(cmd, 4, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "no overlapping visits") {
		t.Errorf("unexpected output: %s", out.String())
	}

	out.Reset()
	pairs := []visit.OverlapPair{{
		First:  &visit.Visit{ID: 1, StudyID: 4, Label: "Day 1", SequenceNumMin: 1, SequenceNumMax: 2},
		Second: &visit.Visit{ID: 2, StudyID: 4, Label: "Day 2", SequenceNumMin: 2, SequenceNumMax: 3},
	}}
	if err := reportOverlaps(cmd, 4, pairs); err == nil {
		t.Fatal("expected error when overlaps exist")
	}
	if !strings.Contains(out.String(), "overlaps") {
		t.Errorf("expected pair to be printed, got %s", out.String())
	}
}

func TestNewLocker(t *testing.T) {
	cfg := testConfig()
	if newLocker(cfg) == nil {
		t.Error("expected a locker when study locking is enabled")
	}
	cfg.StudyLock = false
	if newLocker(cfg) != nil {
		t.Error("expected nil locker when study locking is disabled")
	}
}
