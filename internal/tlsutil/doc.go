// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package tlsutil 集中管理中心与站点之间的 TLS 配置。
// 安全加固：TLS 1.2+，仅 AEAD 密码套件；证书文件来自 config.TLSConfig。
package tlsutil
