// Package miner wires one account's PubSub pool, event dispatcher, handlers
// and prediction engine, and keeps the subscribed topics in line with the
// account's channel list.
//
// Topics per account:
//   - community-points-user-v1.<user>: balance and bonus claims
//   - predictions-user-v1.<user>: bets placed and settled
//   - video-playback-by-id.<channel>: stream up/down
//   - raid.<channel>: when following raids
//   - predictions-channel-v1.<channel>: when betting is enabled
package miner
