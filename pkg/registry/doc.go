/*
Package registry implements the export registry: a bounded,
content-addressed map of completed platform snapshots.

Records are keyed by export ID. After every mutation the registry is
persisted as a JSON array (see pkg/jsonstore); when the storage bound is
exceeded, the oldest records by timestamp are evicted synchronously, ties
broken by insertion order. WaitForExport lets the orchestrator block for
an export produced by a source instance that has not arrived yet.
*/
package registry
