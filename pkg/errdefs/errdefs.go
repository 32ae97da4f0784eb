// Package errdefs defines the sentinel error kinds surfaced by the
// surface-export core. Callers classify failures with errors.Is and wrap
// with fmt.Errorf("...: %w", ...).
package errdefs

import "errors"

var (
	// ErrNotFound marks an unknown export ID, instance, or transfer.
	ErrNotFound = errors.New("not found")

	// ErrInvalid marks malformed input.
	ErrInvalid = errors.New("invalid argument")

	// ErrNotReady marks an export that did not appear within its deadline
	// or a validation that never arrived.
	ErrNotReady = errors.New("not ready")

	// ErrRemoteRejected marks an instance bridge reporting failure for a
	// sub-operation (import, delete, unlock).
	ErrRemoteRejected = errors.New("remote rejected")

	// ErrTimeout marks a watchdog or wait deadline elapsing.
	ErrTimeout = errors.New("timeout")

	// ErrConflict marks an attempted transition from a terminal state.
	ErrConflict = errors.New("conflict")

	// ErrIO marks a persistence read or write failure.
	ErrIO = errors.New("io error")

	// ErrPermissionDenied marks a subscription requesting logs without
	// the required permission.
	ErrPermissionDenied = errors.New("permission denied")
)
