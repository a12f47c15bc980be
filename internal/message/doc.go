// Package message defines the notification values handed to the message bus.
//
// Three families of messages exist:
//   - ActionMessage: one lifecycle event of a domain entity, validated against
//     a closed Registry of (entity type, action) pairs
//   - EntityChangeMessage: a "re-check" hint carrying only a kind and an id
//   - NotificationMessage: an addressed, per-user notification with a
//     caller-supplied tag
//
// All messages are immutable once constructed. Constructors are the only way
// to obtain a value, and accessors hand out copies of any map they hold.
//
// # Tags
//
// Every message exposes Tag(), the deduplication key used by the bus. The
// textual formats are wire-stable and shared with existing consumers:
//
//	<!AZIONE!><!{EntityType}.{Action}.{Id}!>   action messages
//	<!{KIND}!><!{Id}!>                         entity-change messages
//
// # Registry
//
// The Registry is built once at boot (usually from the embedded CUE
// vocabulary, see DefaultRegistry) and is read-only afterwards. It is passed
// explicitly to NewActionMessage; there is no package-level registry.
package message
