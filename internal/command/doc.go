// Package command defines the provisioning command record shared by every
// command store and by the provisioning queue.
//
// A Command moves through a small state machine:
//
//	Waiting -> Processing -> Completed
//	                      -> Failed
//	Processing -> Waiting   (requeue, any number of times)
//
// Completed and Failed are terminal. Completed commands are purged after a
// retention window; Failed commands are kept for inspection.
//
// Payloads map reference-role names (docente, classe, ...) to ids or literal
// strings. They are persisted as canonical JSON: keys NFC normalized and
// sorted, string values stored verbatim, no HTML escaping, no floats.
package command
