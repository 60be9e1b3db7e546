package handler

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"chestrestock-api/internal/repository"
	"chestrestock-api/internal/service"
	"chestrestock-api/pkg/apierror"
	"chestrestock-api/pkg/response"
)

// BufferCounter reports pending write-behind entries.
type BufferCounter interface {
	Count(ctx context.Context) (int64, error)
}

// GrantStore edits loot-limit bypass grants.
type GrantStore interface {
	Grant(ctx context.Context, consumerID, containerName string) error
	Revoke(ctx context.Context, consumerID, containerName string) error
}

var _ GrantStore = (*repository.MySQLPermissionRepository)(nil)

// AdminConfig wires an AdminHandler. Only Service is required.
type AdminConfig struct {
	Service *service.RestockService
	Sweeper *service.SweepScheduler
	Buffer  BufferCounter
	Repo    repository.RestockRepository
	DBType  string // sqlite, postgres, or mongodb
	Grants  GrantStore
	// OracleCache is reset after grants change.
	OracleCache *service.CachedOracle
}

// AdminHandler handles admin-related HTTP requests.
type AdminHandler struct {
	cfg       AdminConfig
	startTime time.Time
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	return &AdminHandler{cfg: cfg, startTime: time.Now()}
}

// GetStats handles GET /api/v1/admin/stats
func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats := make(map[string]interface{})

	stats["uptime_seconds"] = int64(time.Since(h.startTime).Seconds())
	stats["uptime_human"] = time.Since(h.startTime).Round(time.Second).String()
	stats["server_time"] = time.Now().Format(time.RFC3339)
	stats["db_type"] = h.cfg.DBType
	stats["restock"] = h.cfg.Service.Stats()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	stats["memory"] = map[string]interface{}{
		"alloc_mb":      float64(memStats.Alloc) / 1024 / 1024,
		"sys_mb":        float64(memStats.Sys) / 1024 / 1024,
		"heap_inuse_mb": float64(memStats.HeapInuse) / 1024 / 1024,
		"num_gc":        memStats.NumGC,
		"goroutines":    runtime.NumGoroutine(),
	}

	if h.cfg.Buffer != nil {
		count, err := h.cfg.Buffer.Count(ctx)
		if err == nil {
			stats["redis_buffer"] = map[string]interface{}{
				"pending_items": count,
				"status":        "connected",
			}
		} else {
			stats["redis_buffer"] = map[string]interface{}{
				"status": "error",
				"error":  err.Error(),
			}
		}
	} else {
		stats["redis_buffer"] = map[string]interface{}{
			"status": "not_configured",
		}
	}

	if h.cfg.Repo != nil {
		dbStats, err := h.cfg.Repo.GetStats(ctx)
		if err == nil {
			dbStats["status"] = "connected"
			stats["database"] = dbStats
		} else {
			stats["database"] = map[string]interface{}{
				"status": "error",
				"error":  err.Error(),
			}
		}
	} else {
		stats["database"] = map[string]interface{}{
			"status": "not_configured",
		}
	}

	stats["runtime"] = map[string]interface{}{
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"cpus":       runtime.NumCPU(),
	}

	response.OK(w, stats)
}

// Sweep handles POST /api/v1/admin/sweep
func (h *AdminHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	var result service.SweepResult
	if h.cfg.Sweeper != nil {
		result = h.cfg.Sweeper.RunNow()
	} else {
		result = h.cfg.Service.RestockAll(r.Context())
	}
	response.OK(w, result)
}

type grantRequest struct {
	ConsumerID    string `json:"consumer_id"`
	ContainerName string `json:"container_name"`
}

func (h *AdminHandler) editGrant(w http.ResponseWriter, r *http.Request, grant bool) {
	if h.cfg.Grants == nil {
		response.Error(w, apierror.ServiceUnavailable("permission database not configured"))
		return
	}

	var req grantRequest
	if err := decodeBody(r, &req); err != nil {
		response.Error(w, err)
		return
	}
	var fields []apierror.FieldError
	if req.ConsumerID == "" {
		fields = append(fields, apierror.FieldError{Field: "consumer_id", Message: "required"})
	}
	if req.ContainerName == "" {
		fields = append(fields, apierror.FieldError{Field: "container_name", Message: `required, "*" for every container`})
	}
	if len(fields) > 0 {
		response.Error(w, apierror.ValidationError("invalid grant", fields...))
		return
	}

	op := h.cfg.Grants.Revoke
	if grant {
		op = h.cfg.Grants.Grant
	}
	if err := op(r.Context(), req.ConsumerID, req.ContainerName); err != nil {
		response.Error(w, apierror.ServiceUnavailable("failed to update grant"))
		return
	}
	if h.cfg.OracleCache != nil {
		h.cfg.OracleCache.Reset(r.Context())
	}
	response.OK(w, map[string]interface{}{
		"consumer_id":    req.ConsumerID,
		"container_name": req.ContainerName,
		"granted":        grant,
	})
}

// Grant handles POST /api/v1/admin/grants
func (h *AdminHandler) Grant(w http.ResponseWriter, r *http.Request) {
	h.editGrant(w, r, true)
}

// Revoke handles DELETE /api/v1/admin/grants
func (h *AdminHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	h.editGrant(w, r, false)
}
