// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package telemetry 封装 OpenTelemetry SDK 初始化。
//
// 中心与站点共用同一套初始化逻辑，资源属性中带上进程角色与组织 ID，
// 便于在链路中区分各参与方。禁用时使用 noop 实现，不连接任何外部服务。
package telemetry
