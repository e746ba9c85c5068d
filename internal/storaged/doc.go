// Package storaged is an in-memory sandbox of the secure storage service.
//
// Ownership boundary:
// - committed file state per port
// - per-connection staged batches and handles
// - commit conflict detection and capacity checks
// - TCP/TLS listener, port handshake and admin HTTP surface
//
// Nothing is persisted. A batch whose connection goes away is discarded.
package storaged
