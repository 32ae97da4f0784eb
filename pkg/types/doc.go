/*
Package types defines the core data model for the surface-export
controller: export records, transfer state machines, journal events,
cluster tree nodes, and subscription filters.

Types here are plain data with wire-faithful JSON tags and carry no
behavior beyond projections and status normalization. Ownership and
locking live with the component that holds each collection (registry,
orchestrator, subscription manager).
*/
package types
