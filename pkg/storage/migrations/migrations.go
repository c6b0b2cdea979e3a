// Package migrations embeds the facegate schema for goose.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
