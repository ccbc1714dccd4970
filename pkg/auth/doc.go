// Package auth provides the shared authentication types of authsession:
// the storage mode, the error taxonomy returned by the facade and the
// session status reported to callers.
//
// Errors are plain values. Capability-gated operations return
// *CapabilityUnavailableError instead of panicking, and callers inspect
// results with errors.Is and errors.As.
package auth
