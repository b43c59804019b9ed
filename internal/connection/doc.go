// Package connection implements the PubSub transport.
//
// Layers, bottom up:
//   - Client: one gorilla/websocket connection, raw frames in and out
//   - Conn: a PubSub connection on top of a Client. Owns its topic set,
//     LISTEN/RESPONSE correlation, PING/PONG heartbeat and reconnects
//     (re-issuing LISTEN for every topic it held)
//   - Pool: packs topics onto a bounded number of Conns, keeps the
//     topic -> connection registry and redistributes topics of lost
//     connections with capped, jittered exponential backoff
package connection
