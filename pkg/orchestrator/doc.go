/*
Package orchestrator implements the transfer state machine that moves a
stored platform snapshot from a source instance to a target instance.

A transfer advances through transporting, awaiting_validation, and
cleanup into one of the terminal states completed, failed,
cleanup_failed, or error:

  - The snapshot is delivered to the target; a rejection fails the
    transfer and rolls back (unlocks) the source platform.
  - An accepted import waits for the target's validation verdict under a
    cancelable watchdog; if nothing arrives within the deadline a
    validation failure is synthesized.
  - A validated transfer deletes the source platform and the stored
    export; a failed delete terminates as cleanup_failed.

Every phase is timed, every transition is journaled and broadcast, and
terminal transitions persist the transaction log and prune retained
records to the configured cap. Transitions for one transfer are
serialized; disjoint transfers never block each other.
*/
package orchestrator
