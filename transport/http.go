package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/BaSui01/cohortdiag/codec"
	"github.com/BaSui01/cohortdiag/internal/tlsutil"
	"github.com/BaSui01/cohortdiag/types"
)

// TasksPath 站点接收任务信封的路径
const TasksPath = "/v1/tasks"

// MaxResponseBytes 默认站点响应体上限
const MaxResponseBytes = 32 << 20

// HTTPConfig HTTP 传输配置
type HTTPConfig struct {
	Timeout   time.Duration
	TLSConfig *tls.Config
	// Client 非空时直接使用（测试或自定义连接池）
	Client *http.Client
	// MaxResponseBytes 0 表示使用 MaxResponseBytes
	MaxResponseBytes int64
}

// HTTP 通过 HTTPS POST 把任务信封送到站点
type HTTP struct {
	client   *http.Client
	maxBytes int64
	logger   *zap.Logger
}

// NewHTTP 创建 HTTP 传输
func NewHTTP(cfg HTTPConfig, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := cfg.Client
	if client == nil {
		tr := tlsutil.SecureTransport()
		if cfg.TLSConfig != nil {
			tr.TLSClientConfig = cfg.TLSConfig
		}
		client = &http.Client{Timeout: cfg.Timeout, Transport: tr}
	}
	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = MaxResponseBytes
	}
	return &HTTP{client: client, maxBytes: maxBytes, logger: logger.With(zap.String("component", "transport_http"))}
}

// Send 实现 federation.Transport。非 2xx 响应体按 {code,message} 解析为站点错误。
func (h *HTTP) Send(ctx context.Context, target types.OrganizationTarget, envelope []byte) ([]byte, error) {
	if target.Endpoint == "" {
		return nil, types.Errorf(types.ErrTransport, "organization %s has no endpoint", target.ID)
	}
	url := strings.TrimRight(target.Endpoint, "/") + TasksPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(envelope))
	if err != nil {
		return nil, types.NewError(types.ErrTransport, "build request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Organization-ID", target.ID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, types.Errorf(types.ErrTransport, "post to %s", target.ID).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, types.Errorf(types.ErrTransport, "read response from %s", target.ID).WithCause(err)
	}
	if int64(len(body)) > h.maxBytes {
		return nil, types.Errorf(types.ErrTransport,
			"response from %s is too large: exceeds %d bytes", target.ID, h.maxBytes).WithOrganization(target.ID)
	}
	h.logger.Debug("site responded",
		zap.String("org_id", target.ID),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
		zap.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := codec.DecodeFailure(body)
		if types.IsCode(err, types.ErrTransport) {
			return nil, types.Errorf(types.ErrTransport, "site %s returned HTTP %d", target.ID, resp.StatusCode).WithCause(err)
		}
		return nil, err
	}
	return body, nil
}

