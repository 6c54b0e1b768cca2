package db

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// Pinger is any dependency that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolStats is a JSON view of pgxpool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// CheckResult is the outcome of pinging one dependency.
type CheckResult struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// RunChecks pings every dependency with a shared timeout. Results are sorted
// by name so the response is stable.
func RunChecks(ctx context.Context, checks map[string]Pinger, timeout time.Duration) ([]CheckResult, bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	healthy := true
	results := make([]CheckResult, 0, len(checks))
	for name, p := range checks {
		res := CheckResult{Name: name, Healthy: true}
		if err := p.Ping(ctx); err != nil {
			res.Healthy = false
			res.Error = err.Error()
			healthy = false
		}
		results = append(results, res)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results, healthy
}

// HealthHandler reports dependency health. pool may be nil when the
// process runs without Postgres stats.
func HealthHandler(pool *pgxpool.Pool, checks map[string]Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		results, healthy := RunChecks(c.Request().Context(), checks, 5*time.Second)

		body := map[string]interface{}{"checks": results}
		if pool != nil {
			body["pool"] = GetPoolStats(pool)
		}
		if !healthy {
			body["status"] = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		body["status"] = "healthy"
		return c.JSON(http.StatusOK, body)
	}
}
