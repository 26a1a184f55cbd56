// Package server implements the realtime relay: the websocket hub that fans
// chat, file-share, and presence events out to every connected participant,
// and the HTTP gateways for uploading and downloading ephemeral files.
//
// The implementation is organized into specialized files for configuration,
// hub management, clients, wire events, routing, and HTTP handlers to keep
// the codebase maintainable and testable as the project grows.
package server
