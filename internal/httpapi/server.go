// Package httpapi wires the externally visible query/admin surface of
// spec.md section 6: health, status, callback, and admin-reset, behind
// gin the way the teacher's internal/http package does.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/neurobridge-backend/internal/batcherr"
	"github.com/yungbote/neurobridge-backend/internal/domain/batch"
	"github.com/yungbote/neurobridge-backend/internal/httpapi/middleware"
	"github.com/yungbote/neurobridge-backend/internal/httpapi/response"
	"github.com/yungbote/neurobridge-backend/internal/phase"
	"github.com/yungbote/neurobridge-backend/internal/platform/logger"
)

// Orchestrator is the subset of orchestrator.Orchestrator the HTTP
// layer needs; defined consumer-side so httpapi never imports the
// concrete orchestrator package, only this capability.
type Orchestrator interface {
	HandleCallback(ctx context.Context, batchID, taskID string, payload phase.CallbackPayload) error
	GetStatus(ctx context.Context, batchID string) (batch.StatusView, error)
	AdminReset(ctx context.Context, batchID string) error
}

type Server struct {
	Engine *gin.Engine
}

func NewServer(log *logger.Logger, orch Orchestrator, serviceName string) *Server {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.AttachTraceContext())
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.CORS())

	h := &handlers{log: log, orch: orch, serviceName: serviceName}

	r.GET("/health", h.health)
	r.GET("/status/:batch_id", h.status)
	r.POST("/callback/:batch_id/:task_id", h.callback)
	r.POST("/admin/reset/:batch_id", h.adminReset)
	r.NoRoute(h.notFound)

	return &Server{Engine: r}
}

func (s *Server) Run(address string) error {
	return s.Engine.Run(address)
}

type handlers struct {
	log         *logger.Logger
	orch        Orchestrator
	serviceName string
}

func (h *handlers) health(c *gin.Context) {
	response.RespondOK(c, gin.H{
		"status":    "ok",
		"service":   h.serviceName,
		"timestamp": time.Now().UTC(),
	})
}

func (h *handlers) status(c *gin.Context) {
	batchID := c.Param("batch_id")
	if batchID == "" {
		response.RespondError(c, http.StatusBadRequest, "missing_batch_id", nil)
		return
	}
	st, err := h.orch.GetStatus(c.Request.Context(), batchID)
	if err != nil {
		if err == batcherr.ErrBatchNotFound {
			response.RespondError(c, http.StatusNotFound, "batch_not_found", err)
			return
		}
		response.RespondError(c, http.StatusInternalServerError, "status_lookup_failed", err)
		return
	}
	response.RespondOK(c, st)
}

type callbackRequest struct {
	TaskID         string         `json:"task_id"`
	BatchID        string         `json:"batch_id"`
	Status         string         `json:"status"`
	OutputR2Key    string         `json:"output_r2_key,omitempty"`
	OutputFileName string         `json:"output_file_name,omitempty"`
	OutputFileSize int64          `json:"output_file_size,omitempty"`
	Performance    map[string]any `json:"performance,omitempty"`
	Error          string         `json:"error,omitempty"`
}

func (h *handlers) callback(c *gin.Context) {
	batchID := c.Param("batch_id")
	taskID := c.Param("task_id")
	if batchID == "" || taskID == "" {
		response.RespondError(c, http.StatusBadRequest, "missing_path_params", nil)
		return
	}

	var body callbackRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "malformed_callback_body", err)
		return
	}

	payload := phase.CallbackPayload{
		TaskID:         taskID,
		BatchID:        batchID,
		Status:         body.Status,
		OutputR2Key:    body.OutputR2Key,
		OutputFileName: body.OutputFileName,
		OutputFileSize: body.OutputFileSize,
		Performance:    body.Performance,
		Error:          body.Error,
	}

	if err := h.orch.HandleCallback(c.Request.Context(), batchID, taskID, payload); err != nil {
		if batcherr.Is(err, batcherr.KindCallbackMalformed) {
			response.RespondError(c, http.StatusBadRequest, "malformed_callback", err)
			return
		}
		if err == batcherr.ErrBatchNotFound {
			response.RespondError(c, http.StatusNotFound, "batch_not_found", err)
			return
		}
		if err == batcherr.ErrTaskNotFound || err == batcherr.ErrBatchTerminal {
			// Late or duplicate callback after the batch moved on: treated
			// as an idempotent drop, not a caller-visible failure.
			h.log.Info("callback dropped", "batch_id", batchID, "task_id", taskID, "reason", err.Error())
			response.RespondOK(c, gin.H{"ok": true})
			return
		}
		h.log.Error("callback handling failed", "batch_id", batchID, "task_id", taskID, "error", err)
		response.RespondError(c, http.StatusInternalServerError, "callback_failed", err)
		return
	}

	// spec.md section 6: 200 {ok:true} always once the callback has been
	// folded into state (or idempotently dropped).
	response.RespondOK(c, gin.H{"ok": true})
}

func (h *handlers) adminReset(c *gin.Context) {
	batchID := c.Param("batch_id")
	if batchID == "" {
		response.RespondError(c, http.StatusBadRequest, "missing_batch_id", nil)
		return
	}
	if err := h.orch.AdminReset(c.Request.Context(), batchID); err != nil {
		if err == batcherr.ErrBatchNotFound {
			response.RespondError(c, http.StatusNotFound, "batch_not_found", err)
			return
		}
		response.RespondError(c, http.StatusInternalServerError, "admin_reset_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"ok": true, "message": "Batch reset"})
}

func (h *handlers) notFound(c *gin.Context) {
	if c.Request.Method == http.MethodOptions {
		c.Status(http.StatusNoContent)
		return
	}
	response.RespondError(c, http.StatusNotFound, "route_not_found", nil)
}
