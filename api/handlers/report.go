package handlers

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/cohortdiag/internal/ctxkeys"
	"github.com/BaSui01/cohortdiag/report"
	"github.com/BaSui01/cohortdiag/types"
)

// =============================================================================
// 📋 中心任务与报告 Handler
// =============================================================================

// TaskRunner 中心任务入口（central.Runner 实现）
type TaskRunner interface {
	Run(ctx context.Context, req *types.TaskRequest) (*report.Report, error)
	Report(ctx context.Context, taskID string) (*report.Report, error)
}

// ReportHandler 中心侧：POST /v1/runs 同步运行任务，GET /v1/reports/{id} 读取已保存的报告
type ReportHandler struct {
	runner       TaskRunner
	maxBodyBytes int64
	logger       *zap.Logger
}

// NewReportHandler 创建报告处理器
func NewReportHandler(runner TaskRunner, maxBodyBytes int64, logger *zap.Logger) *ReportHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportHandler{
		runner:       runner,
		maxBodyBytes: maxBodyBytes,
		logger:       logger.With(zap.String("component", "report_handler")),
	}
}

// Register 注册路由
func (h *ReportHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", h.HandleRun)
	mux.HandleFunc("GET /v1/reports/{id}", h.HandleReport)
}

// HandleRun 解码任务请求（拒绝未知字段）并等待报告
func (h *ReportHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	body, ok := ReadBody(w, r, h.maxBodyBytes, h.logger)
	if !ok {
		return
	}
	req, err := types.DecodeTaskRequest(body)
	if err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	rep, err := h.runner.Run(r.Context(), req)
	if err != nil {
		WriteFailure(w, err, h.requestLogger(r))
		return
	}
	h.writeReport(w, r, rep)
}

// HandleReport 读取已保存的报告
func (h *ReportHandler) HandleReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := ctxkeys.WithTaskID(r.Context(), id)
	rep, err := h.runner.Report(ctx, id)
	if err != nil {
		WriteFailure(w, err, h.requestLogger(r))
		return
	}
	h.writeReport(w, r, rep)
}

// writeReport 按 Accept 或 ?format= 选择 JSON 或 YAML
func (h *ReportHandler) writeReport(w http.ResponseWriter, r *http.Request, rep *report.Report) {
	format, contentType := report.FormatJSON, "application/json; charset=utf-8"
	if wantsYAML(r) {
		format, contentType = report.FormatYAML, "application/yaml"
	}
	body, err := rep.Render(format)
	if err != nil {
		WriteFailure(w, types.NewError(types.ErrInternalError, "render report").WithCause(err), h.logger)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *ReportHandler) requestLogger(r *http.Request) *zap.Logger {
	if id, ok := ctxkeys.RequestID(r.Context()); ok {
		return h.logger.With(zap.String("request_id", id))
	}
	return h.logger
}

func wantsYAML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "yaml") || r.URL.Query().Get("format") == "yaml"
}
