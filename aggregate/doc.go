// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package aggregate 合并各组织的部分结果。

计数按 Cell 合并：全部精确时相加；任一组织抑制时结果标记为 lower_bound
（已知部分之和），无法证明合并值达到阈值时标记为 suppressed_derived。均值与方差由各组织的矩 (n, mean, M2) 合并，
不接触个体数据。同一组织重复贡献返回 DUPLICATE_CONTRIBUTION。
合并结果与组织到达顺序无关。
*/
package aggregate
