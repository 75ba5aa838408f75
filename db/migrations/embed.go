// Package dbmigrations exposes embedded SQL migrations for Rondo binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Rondo binaries.
//
//go:embed *.sql
var Files embed.FS
