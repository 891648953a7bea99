// Package migrations 内嵌 sqlitestore 使用的建表脚本。
package migrations

import "embed"

// FS 包含按文件名排序执行的迁移脚本。
//
//go:embed *.sql
var FS embed.FS
