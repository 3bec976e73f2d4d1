// Package dbmigrations exposes embedded SQL migrations for leomon binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations for the fluctuation window store.
//
//go:embed *.sql
var Files embed.FS
