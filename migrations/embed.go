// Package migrations embeds the schema files applied to each tenant schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
