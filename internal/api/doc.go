// Package api 暴露插件控制台的 REST 接口：插件列表与操作提交、操作记录查询、
// 仓库标签与 Mercurial 安装信息代理，以及健康检查和 Prometheus 指标。
package api
