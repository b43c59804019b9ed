// Package poller implements the channel points context poller.
//
// The poller:
//   - Fetches ChannelPointsContext for every tracked streamer on an interval
//   - Refreshes cached balances between PubSub points events
//   - Surfaces bonus claims that were available before the miner subscribed
//   - Bounds concurrent requests
package poller
