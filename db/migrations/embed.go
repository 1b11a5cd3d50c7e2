// Package dbmigrations exposes embedded SQL migrations for tradecore binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into tradecore binaries.
//
//go:embed *.sql
var Files embed.FS
