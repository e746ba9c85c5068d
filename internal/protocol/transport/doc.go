// Package transport owns the storage client/service byte channel.
//
// Ownership boundary:
// - transport reliability and security config
// - port-connect control handshake
// - request/response correlation over one net.Conn
// - dial retry/backoff
//
// Message layouts live in protocol; framing in protocol/frame.
package transport
