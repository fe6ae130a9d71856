// Package dbmigrations exposes embedded SQL migrations for the uinotify binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into the binaries.
//
//go:embed *.sql
var Files embed.FS
