// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 cache 提供基于 Redis 的缓存管理。

站点执行器用 Manager 按执行 ID 保存已编码的部分结果，同一信封被重复投递时
直接返回缓存，不再重新计算。缓存中只有已经过小单元格抑制的编码结果，
不含任何行级数据。

  - Manager：持有 go-redis 客户端，提供 Get/Set/Delete/Ping 与后台健康检查。
  - Config：地址、连接池与默认 TTL，可由 config.RedisConfig 派生。
  - ErrCacheMiss：未命中哨兵错误。
*/
package cache
