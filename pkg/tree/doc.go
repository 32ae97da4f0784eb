// Package tree builds cluster snapshots: hosts, instances, and each
// connected instance's platforms, queried concurrently and overlaid
// with in-flight transfer state. Query failures degrade to a
// per-instance platformError rather than failing the snapshot.
package tree
