// Package webchat is the websocket side of the relay.
//
// Ownership model:
//   - Server owns the session store, the relay, the event bus and the StreamHub.
//   - StreamHub owns one ConnectionPool and one Forwarder per session with attached connections.
//   - The relay never writes to sockets; it publishes on the bus and the Forwarder routes each
//     frame to the connection named in its conn_id metadata.
//
// Routes:
//   - GET /ws?session_id=<id> upgrades and attaches a connection.
//   - GET /healthz answers "ok".
//   - GET /api/sessions/{id}/turns returns the in-memory transcript.
//   - / serves the optional static directory.
package webchat
