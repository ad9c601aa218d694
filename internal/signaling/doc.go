// Package signaling serves the voice relay's WebSocket endpoint. It admits
// connections, decodes frames, and drives one lobby.Session per connection.
package signaling
