/*
Package txlog implements the per-transfer transaction log: an ordered
event journal with elapsed/delta timings, phase helpers, summary
projections, and bounded idempotent persistence.

Event timestamps are clamped to be non-decreasing within a transfer.
Persisting a transfer replaces its prior entry in the persisted file,
which is trimmed to the newest maxPersistedLogs entries by savedAt and
atomically rewritten.

Two projections are produced: the short summary (identifiers, endpoints,
normalized status, timings) used on transfer broadcasts and log
listings, and the detailed summary (per-phase durations, metrics, total
duration, computed result) embedded in persisted entries.
*/
package txlog
