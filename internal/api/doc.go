// Package api is the Twitch GQL client used for account actions.
//
// Every call is a persisted query POSTed to the GQL endpoint:
//   - ClaimCommunityPoints: claim a bonus
//   - MakePrediction: place a bet
//   - JoinRaid: join a raid
//   - ChannelPointsContext: channel ID, balance and available claim of a login
//
// Requests are rate limited and retried on 5xx and 429 responses. Errors
// reported inside a 200 response are not retried.
package api
