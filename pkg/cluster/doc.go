// Package cluster tracks the hosts and instances known to the
// controller. The directory is fed by connection-lifecycle callbacks
// and backs platform-tree enumeration and instance resolution
// (numeric ID, instance name, or assigned-host fallback).
package cluster
