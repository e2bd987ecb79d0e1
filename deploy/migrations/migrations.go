// Package migrations 内嵌 SQL 迁移脚本，按文件名前缀的版本号顺序执行。
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
