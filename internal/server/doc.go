// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package server 管理站点与中心的 HTTP(S) 服务器生命周期：
// 非阻塞启动、按 context 等待退出、优雅关闭与异步错误传播。
// 配置了 tls.Config 时以 HTTPS 监听，双向 TLS 由 tlsutil 构建。
package server
