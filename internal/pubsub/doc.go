// Package pubsub implements the Topic Codec for the Twitch PubSub protocol.
//
// Outbound control frames:
//   - LISTEN   {topics, auth_token, nonce}
//   - UNLISTEN {topics, nonce}
//   - PING
//
// Inbound frames:
//   - RESPONSE {nonce, error}: acknowledgement of a LISTEN/UNLISTEN
//   - PONG: heartbeat acknowledgement
//   - RECONNECT: server asks the client to reconnect
//   - MESSAGE {topic, message}: event payload, decoded into typed messages
//
// Unknown frame or message types decode to Unrecognized payloads instead of
// errors, so new server additions never break dispatch.
package pubsub
