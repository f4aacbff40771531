// Package storage persists per-user quota state and the protected-term
// registry in sqlite.
//
// The contract callers rely on is that every credit mutation is a single
// conditional UPDATE at the database, never a read-then-write pair. That is
// what makes consumption safe under concurrent duplicate requests and the
// daily grant idempotent per calendar day.
package storage
