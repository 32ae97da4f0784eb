/*
Package router is the thin message-fabric facade: the typed request,
event, and response schemas exchanged between the controller, instances,
and control clients, plus an in-process Router that dispatches to
attached per-instance handlers.

The core only ever consumes the InstanceBridge and ControlConnection
interfaces, so a transport-backed fabric (the host bridge) can replace
the in-process router without touching the orchestration code. Every
outbound request is bounded by the configured transport timeout.
*/
package router
