// Package storage persists operator audit entries and the per-job
// last-sent ledger so delivery times survive restarts.
//
// Two drivers exist: "file" (JSON Lines plus a compacted snapshot) and
// "sqlite" (modernc.org/sqlite, no cgo).
package storage
