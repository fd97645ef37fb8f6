package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is the JSON view of pgxpool.Stat served by /health/db.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
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
		Healthy:         stat.TotalConns() > 0,
	}
}

// SchemaState summarises migration progress for health reporting.
type SchemaState struct {
	Version int `json:"version"`
	Pending int `json:"pending"`
}

func schemaState(statuses []MigrationStatus) SchemaState {
	var s SchemaState
	for _, st := range statuses {
		if st.Applied {
			if st.Version > s.Version {
				s.Version = st.Version
			}
		} else {
			s.Pending++
		}
	}
	return s
}

// HealthHandler pings the pool and reports 503 when the database is
// unreachable. With a migrator it also reports the schema version, and a
// database with pending migrations is "degraded".
func HealthHandler(pool *pgxpool.Pool, migrator *Migrator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		stats := GetPoolStats(pool)
		if err := pool.Ping(ctx); err != nil {
			stats.Healthy = false
			return c.JSON(http.StatusServiceUnavailable, echo.Map{
				"status": "unhealthy",
				"error":  err.Error(),
				"pool":   stats,
			})
		}

		body := echo.Map{"status": "healthy", "pool": stats}
		if migrator != nil {
			statuses, err := migrator.Status(ctx)
			if err != nil {
				body["status"] = "degraded"
				body["error"] = err.Error()
				return c.JSON(http.StatusOK, body)
			}
			schema := schemaState(statuses)
			body["schema"] = schema
			if schema.Pending > 0 {
				body["status"] = "degraded"
			}
		}
		return c.JSON(http.StatusOK, body)
	}
}
