// Package repo implements typed CRUD access to the system tables migrated
// by internal/storage/migrate, grounded on the teacher's pkg/*/store.go
// shape (a Store wrapping a connection, const column lists, fmt.Errorf-
// wrapped queries) and on covert-server/src/repos for the exact SQL shapes
// spec.md distills from.
package repo
