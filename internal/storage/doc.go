// Package storage persists job definitions and run history.
//
// The file driver is dependency-free and always available; the sqlite
// driver is compiled in with -tags sqlite.
package storage
