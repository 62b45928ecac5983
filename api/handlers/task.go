package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/cohortdiag/internal/ctxkeys"
	"github.com/BaSui01/cohortdiag/transport"
)

// =============================================================================
// 🏥 站点任务 Handler
// =============================================================================

// TaskHandler 站点侧 POST /v1/tasks：接收任务信封，返回编码后的部分结果。
// 本地失败以 {code,message} 返回，只影响本组织的状态。
type TaskHandler struct {
	executor     transport.Executor
	maxBodyBytes int64
	logger       *zap.Logger
}

// NewTaskHandler 创建站点任务处理器
func NewTaskHandler(executor transport.Executor, maxBodyBytes int64, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{
		executor:     executor,
		maxBodyBytes: maxBodyBytes,
		logger:       logger.With(zap.String("component", "task_handler")),
	}
}

// ServeHTTP 处理任务信封
func (h *TaskHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	envelope, ok := ReadBody(w, r, h.maxBodyBytes, h.logger)
	if !ok {
		return
	}

	ctx := r.Context()
	if org := r.Header.Get("X-Organization-ID"); org != "" {
		ctx = ctxkeys.WithOrganizationID(ctx, org)
	}
	log := h.logger
	if id, ok := ctxkeys.RequestID(ctx); ok {
		log = log.With(zap.String("request_id", id))
	}

	payload, err := h.executor.Execute(ctx, envelope)
	if err != nil {
		WriteFailure(w, err, log)
		return
	}
	WriteRaw(w, http.StatusOK, payload)
}
