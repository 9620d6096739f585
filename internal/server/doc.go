// Package server implements the HTTP and WebSocket surface of ifschat.
//
// The Hub owns every open connection together with presence and room
// membership, and serialises all mutations through its Run loop. The Gateway
// authenticates handshakes and turns inbound events into chat service calls.
// REST handlers for auth, users and chats are mounted next to the gateway on
// a chi router by SetupRoutes.
package server
