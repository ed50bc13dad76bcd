// Package store defines the persistence contracts for task event logs and
// subscriber registries. Implementations live in internal/storage/...; this
// package must not import database drivers or concrete clients.
package store
