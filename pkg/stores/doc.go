// Package stores persists convergence history for froyo.
//
// The SQLite store keeps one row per run, the terminal result of every
// definition in the run, a catalog of the backups taken during the run,
// and an append-only event log. The schema is managed with embedded
// golang-migrate migrations and the database runs in WAL mode.
//
// Recorder adapts a Store to engine.Observer so a converger can persist
// its runs without knowing about the database. EventSink subscribes the
// event log to a telemetry.EventPublisher.
package stores
