// Package protocol owns the storage wire contract.
//
// Ownership boundary:
// - command codes, message flags and status codes
// - per-command request/response payload layouts
// - NUL-terminated name encoding
//
// Framing lives in protocol/frame; per-command size rules in protocol/schema.
package protocol
