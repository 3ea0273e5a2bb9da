//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Register the sqlite-vec extension as auto-loadable so vec0 virtual
	// tables are available for ANN queries over atom embeddings.
	vec.Auto()
}
