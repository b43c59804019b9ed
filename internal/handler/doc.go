// Package handler contains the single-event reactions of the miner: bonus
// claims, stream online state, raids and balance tracking. Each handler is
// registered on a dispatch.Dispatcher for the event kinds it returns from
// Kinds.
package handler
