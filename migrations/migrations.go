// Package migrations embeds the fixed-table schema migrations, one variant
// per supported dialect.
package migrations

import "embed"

//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
