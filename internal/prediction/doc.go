// Package prediction places at most one bet per channel prediction.
//
// The Engine tracks every prediction it sees by ID. When a prediction
// opens it schedules a decision shortly before the lock deadline; the
// decision picks an outcome and a stake from the latest odds snapshot and
// calls the BetPlacer, retrying within the remaining time. Replayed open
// events only refresh odds, and a bet reported on the user topic counts
// as the prediction's one bet.
package prediction
