// Package migrations embeds the SQL schema so it can be applied at startup
// without depending on the working directory.
package migrations

import "embed"

// FS holds every numbered .sql file in this directory, applied in name order.
//
//go:embed *.sql
var FS embed.FS
