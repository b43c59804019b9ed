// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - PubSub connections, subscribed and pending topics
//   - Reconnects and lost connections
//   - Events by kind and handler failures
//   - Claims, raids and prediction bets
//   - Channel point balances
package metrics
