// Package sql embeds the DDL applied by services that own their tables.
package sql

import (
	"embed"
)

//go:embed clickhouse/*.sql
var Content embed.FS
