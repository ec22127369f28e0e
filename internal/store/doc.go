// Package store provides the shared Redis-backed key/value store used
// for circuit locks, quota snapshots, and cached upstream responses.
// Single-key operations rely on Redis' own atomicity; no in-process
// locking is layered on top.
package store
